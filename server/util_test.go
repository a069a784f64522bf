// Copyright 2023 The Codeclash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
)

var testLogger = zap.NewNop()

func newTestMetrics() *Metrics {
	return &Metrics{prometheusScope: tally.NoopScope}
}

func newTestConfig() *config {
	cfg := NewConfig()
	cfg.Name = "test"
	return cfg
}

// fakeClock is a deterministic Clock. Advance moves both the wall and
// monotonic clocks and fires due timers in deadline order on the calling
// goroutine.
type fakeClock struct {
	sync.Mutex
	now    time.Time
	mono   time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock     *fakeClock
	at        time.Duration
	interval  time.Duration
	fn        func()
	cancelled bool
}

func (t *fakeTimer) Cancel() {
	t.clock.Lock()
	t.cancelled = true
	t.clock.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now: time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) Monotonic() time.Duration {
	c.Lock()
	defer c.Unlock()
	return c.mono
}

func (c *fakeClock) After(d time.Duration, fn func()) TimerHandle {
	if d < 0 {
		d = 0
	}
	c.Lock()
	defer c.Unlock()
	timer := &fakeTimer{clock: c, at: c.mono + d, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) Every(d time.Duration, fn func()) TimerHandle {
	c.Lock()
	defer c.Unlock()
	timer := &fakeTimer{clock: c, at: c.mono + d, interval: d, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	target := c.mono + d
	for {
		var next *fakeTimer
		for _, timer := range c.timers {
			if timer.cancelled || timer.at > target {
				continue
			}
			if next == nil || timer.at < next.at {
				next = timer
			}
		}
		if next == nil {
			break
		}

		step := next.at - c.mono
		c.mono = next.at
		c.now = c.now.Add(step)
		if next.interval > 0 {
			next.at += next.interval
		} else {
			next.cancelled = true
		}

		fn := next.fn
		c.Unlock()
		fn()
		c.Lock()
	}
	c.now = c.now.Add(target - c.mono)
	c.mono = target
	c.Unlock()
}

// fakeContestRepo is an in-memory ContestRepository.
type fakeContestRepo struct {
	sync.Mutex
	contests     map[uuid.UUID]*Contest
	questions    map[uuid.UUID][]*Question
	participants map[uuid.UUID][]*Participant
	statuses     map[uuid.UUID][]string
}

func newFakeContestRepo() *fakeContestRepo {
	return &fakeContestRepo{
		contests:     make(map[uuid.UUID]*Contest),
		questions:    make(map[uuid.UUID][]*Question),
		participants: make(map[uuid.UUID][]*Participant),
		statuses:     make(map[uuid.UUID][]string),
	}
}

func (r *fakeContestRepo) GetContest(ctx context.Context, id uuid.UUID) (*Contest, error) {
	r.Lock()
	defer r.Unlock()
	return r.contests[id], nil
}

func (r *fakeContestRepo) ListContests(ctx context.Context) ([]*Contest, error) {
	r.Lock()
	defer r.Unlock()
	contests := make([]*Contest, 0, len(r.contests))
	for _, contest := range r.contests {
		contests = append(contests, contest)
	}
	sort.Slice(contests, func(i, j int) bool { return contests[i].StartAt.Before(contests[j].StartAt) })
	return contests, nil
}

func (r *fakeContestRepo) GetOrderedQuestions(ctx context.Context, contestID uuid.UUID) ([]*Question, error) {
	r.Lock()
	defer r.Unlock()
	return r.questions[contestID], nil
}

func (r *fakeContestRepo) CountParticipants(ctx context.Context, contestID uuid.UUID) (int, error) {
	r.Lock()
	defer r.Unlock()
	return len(r.participants[contestID]), nil
}

func (r *fakeContestRepo) IsParticipant(ctx context.Context, contestID, userID uuid.UUID) (bool, error) {
	r.Lock()
	defer r.Unlock()
	for _, p := range r.participants[contestID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeContestRepo) ListParticipants(ctx context.Context, contestID uuid.UUID) ([]*Participant, error) {
	r.Lock()
	defer r.Unlock()
	return r.participants[contestID], nil
}

func (r *fakeContestRepo) GetUsernames(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	r.Lock()
	defer r.Unlock()
	usernames := make(map[uuid.UUID]string, len(userIDs))
	for _, participants := range r.participants {
		for _, p := range participants {
			usernames[p.UserID] = p.Username
		}
	}
	return usernames, nil
}

func (r *fakeContestRepo) UpdateContestStatus(ctx context.Context, contestID uuid.UUID, status string) error {
	r.Lock()
	defer r.Unlock()
	r.statuses[contestID] = append(r.statuses[contestID], status)
	return nil
}

type submissionKey struct {
	userID     uuid.UUID
	contestID  uuid.UUID
	questionID uuid.UUID
}

// fakeSubmissionRepo is an in-memory SubmissionRepository mirroring the
// terminality rules of the durable store. hideFromFind simulates a
// concurrent insert that Find has not observed.
type fakeSubmissionRepo struct {
	sync.Mutex
	rows         map[submissionKey]*Submission
	hideFromFind bool
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{rows: make(map[submissionKey]*Submission)}
}

func (r *fakeSubmissionRepo) Find(ctx context.Context, userID, contestID, questionID uuid.UUID) (*Submission, error) {
	r.Lock()
	defer r.Unlock()
	if r.hideFromFind {
		return nil, nil
	}
	return r.rows[submissionKey{userID, contestID, questionID}], nil
}

func (r *fakeSubmissionRepo) ListSubmittedUserIDs(ctx context.Context, contestID, questionID uuid.UUID) ([]uuid.UUID, error) {
	r.Lock()
	defer r.Unlock()
	userIDs := make([]uuid.UUID, 0, len(r.rows))
	for key := range r.rows {
		if key.contestID == contestID && key.questionID == questionID {
			userIDs = append(userIDs, key.userID)
		}
	}
	return userIDs, nil
}

func (r *fakeSubmissionRepo) ApplyGraded(ctx context.Context, sub *Submission, questionType QuestionType) (uuid.UUID, int64, error) {
	r.Lock()
	defer r.Unlock()

	key := submissionKey{sub.UserID, sub.ContestID, sub.QuestionID}
	existing := r.rows[key]

	if existing != nil && existing.Terminal(questionType) {
		if questionType == QuestionTypeCoding {
			existing.Code = sub.Code
			existing.Language = sub.Language
		}
		return uuid.Nil, 0, ErrSubmissionTerminal
	}

	stored := *sub
	if existing != nil {
		stored.ID = existing.ID
	} else {
		stored.ID = uuid.Must(uuid.NewV4())
	}
	r.rows[key] = &stored

	var newScore int64
	for k, row := range r.rows {
		if k.userID == sub.UserID && k.contestID == sub.ContestID && row.IsCorrect {
			newScore += row.PointsEarned
		}
	}
	return stored.ID, newScore, nil
}

func (r *fakeSubmissionRepo) CountDistinctSubmitted(ctx context.Context, contestID, userID uuid.UUID) (int, error) {
	r.Lock()
	defer r.Unlock()
	count := 0
	for key := range r.rows {
		if key.contestID == contestID && key.userID == userID {
			count++
		}
	}
	return count, nil
}

func (r *fakeSubmissionRepo) CorrectCounts(ctx context.Context, contestID uuid.UUID, userIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	r.Lock()
	defer r.Unlock()
	counts := make(map[uuid.UUID]int, len(userIDs))
	for _, userID := range userIDs {
		for key, row := range r.rows {
			if key.contestID == contestID && key.userID == userID && row.IsCorrect {
				counts[userID]++
			}
		}
	}
	return counts, nil
}

func (r *fakeSubmissionRepo) ScoreRows(ctx context.Context, contestID uuid.UUID) ([]*UserScore, error) {
	r.Lock()
	defer r.Unlock()
	byUser := make(map[uuid.UUID]*UserScore)
	for key, row := range r.rows {
		if key.contestID != contestID || !row.IsCorrect {
			continue
		}
		score, ok := byUser[key.userID]
		if !ok {
			score = &UserScore{UserID: key.userID}
			byUser[key.userID] = score
		}
		score.Score += row.PointsEarned
		if row.SubmittedAt.After(score.AchievedAt) {
			score.AchievedAt = row.SubmittedAt
		}
	}
	scores := make([]*UserScore, 0, len(byUser))
	for _, score := range byUser {
		scores = append(scores, score)
	}
	return scores, nil
}

type snapshotKey struct {
	contestID uuid.UUID
	userID    uuid.UUID
}

// fakeSnapshotRepo is an in-memory LeaderboardSnapshotRepository.
type fakeSnapshotRepo struct {
	sync.Mutex
	rows      map[snapshotKey]*SnapshotRow
	upserts   int
	finalized map[uuid.UUID]bool
}

func newFakeSnapshotRepo() *fakeSnapshotRepo {
	return &fakeSnapshotRepo{
		rows:      make(map[snapshotKey]*SnapshotRow),
		finalized: make(map[uuid.UUID]bool),
	}
}

func (r *fakeSnapshotRepo) UpsertMany(ctx context.Context, rows []*SnapshotRow) error {
	r.Lock()
	defer r.Unlock()
	r.upserts++
	for _, row := range rows {
		stored := *row
		r.rows[snapshotKey{row.ContestID, row.UserID}] = &stored
	}
	return nil
}

func (r *fakeSnapshotRepo) GetSnapshot(ctx context.Context, contestID uuid.UUID) ([]*SnapshotRow, error) {
	r.Lock()
	defer r.Unlock()
	snapshot := make([]*SnapshotRow, 0, len(r.rows))
	for key, row := range r.rows {
		if key.contestID == contestID {
			snapshot = append(snapshot, row)
		}
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Rank < snapshot[j].Rank })
	return snapshot, nil
}

func (r *fakeSnapshotRepo) GetUserSnapshot(ctx context.Context, contestID, userID uuid.UUID) (*SnapshotRow, error) {
	r.Lock()
	defer r.Unlock()
	return r.rows[snapshotKey{contestID, userID}], nil
}

func (r *fakeSnapshotRepo) MarkFinalized(ctx context.Context, contestID uuid.UUID) error {
	r.Lock()
	defer r.Unlock()
	r.finalized[contestID] = true
	return nil
}

// fakeGrader returns a canned verdict or error.
type fakeGrader struct {
	verdict *GraderVerdict
	err     error
}

func (g *fakeGrader) Grade(ctx context.Context, question *Question, code, language string) (*GraderVerdict, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.verdict, nil
}

type routedMessage struct {
	contestID uuid.UUID
	event     string
	data      interface{}
}

// fakeRouter records everything sent to rooms. Per-recipient sends resolve
// against the registered presences.
type fakeRouter struct {
	sync.Mutex
	presences map[uuid.UUID][]*RoomPresence
	messages  []*routedMessage
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{presences: make(map[uuid.UUID][]*RoomPresence)}
}

func (r *fakeRouter) SendToRoom(logger *zap.Logger, contestID uuid.UUID, event string, data interface{}) {
	r.Lock()
	r.messages = append(r.messages, &routedMessage{contestID: contestID, event: event, data: data})
	r.Unlock()
}

func (r *fakeRouter) SendToRoomEach(logger *zap.Logger, contestID uuid.UUID, event string, dataFn func(presence *RoomPresence) interface{}) {
	r.Lock()
	presences := r.presences[contestID]
	r.Unlock()
	for _, presence := range presences {
		data := dataFn(presence)
		r.Lock()
		r.messages = append(r.messages, &routedMessage{contestID: contestID, event: event, data: data})
		r.Unlock()
	}
	if len(presences) == 0 {
		r.Lock()
		r.messages = append(r.messages, &routedMessage{contestID: contestID, event: event})
		r.Unlock()
	}
}

func (r *fakeRouter) SendToSession(logger *zap.Logger, sessionID uuid.UUID, event string, data interface{}) {
}

func (r *fakeRouter) events(contestID uuid.UUID) []string {
	r.Lock()
	defer r.Unlock()
	events := make([]string, 0, len(r.messages))
	for _, message := range r.messages {
		if message.contestID == contestID {
			events = append(events, message.event)
		}
	}
	return events
}

func (r *fakeRouter) lastData(contestID uuid.UUID, event string) interface{} {
	r.Lock()
	defer r.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].contestID == contestID && r.messages[i].event == event {
			return r.messages[i].data
		}
	}
	return nil
}

func (r *fakeRouter) countEvent(contestID uuid.UUID, event string) int {
	count := 0
	for _, e := range r.events(contestID) {
		if e == event {
			count++
		}
	}
	return count
}

type sentMessage struct {
	event string
	data  interface{}
}

// fakeSession is an in-memory Session recording outgoing messages.
type fakeSession struct {
	sync.Mutex
	id        uuid.UUID
	userID    uuid.UUID
	username  string
	role      Role
	contestID uuid.UUID
	sent      []*sentMessage
	closed    bool
	closeCode int
}

func newFakeSession(userID uuid.UUID, username string, role Role) *fakeSession {
	return &fakeSession{
		id:       uuid.Must(uuid.NewV4()),
		userID:   userID,
		username: username,
		role:     role,
	}
}

func (s *fakeSession) Logger() *zap.Logger       { return testLogger }
func (s *fakeSession) ID() uuid.UUID             { return s.id }
func (s *fakeSession) UserID() uuid.UUID         { return s.userID }
func (s *fakeSession) Username() string          { return s.username }
func (s *fakeSession) Role() Role                { return s.role }
func (s *fakeSession) Expiry() int64             { return 0 }
func (s *fakeSession) Context() context.Context  { return context.Background() }
func (s *fakeSession) Consume()                  {}
func (s *fakeSession) SetContestID(id uuid.UUID) { s.contestID = id }

func (s *fakeSession) ContestID() uuid.UUID {
	return s.contestID
}

func (s *fakeSession) Send(event string, data interface{}) error {
	s.Lock()
	s.sent = append(s.sent, &sentMessage{event: event, data: data})
	s.Unlock()
	return nil
}

func (s *fakeSession) SendBytes(payload []byte) error {
	return nil
}

func (s *fakeSession) CloseWithReason(code int, reason string) {
	s.Lock()
	s.closed = true
	s.closeCode = code
	s.Unlock()
}

func (s *fakeSession) Close() {
	s.CloseWithReason(0, "")
}

func (s *fakeSession) sentEvents() []string {
	s.Lock()
	defer s.Unlock()
	events := make([]string, 0, len(s.sent))
	for _, message := range s.sent {
		events = append(events, message.event)
	}
	return events
}

func (s *fakeSession) lastSent(event string) interface{} {
	s.Lock()
	defer s.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].event == event {
			return s.sent[i].data
		}
	}
	return nil
}
