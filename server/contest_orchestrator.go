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
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// CurrentQuestionData is a consistent snapshot of the question currently
// being broadcast in a contest, for late joiners and submission validation.
type CurrentQuestionData struct {
	Question       *Question
	QuestionNumber int
	TotalQuestions int
	// startedAt is the monotonic instant the question was broadcast.
	startedAt time.Duration
}

// Remaining returns the question's remaining seconds at the given monotonic
// instant, never negative.
func (d *CurrentQuestionData) Remaining(now time.Duration) int {
	elapsed := int((now - d.startedAt) / time.Second)
	remaining := d.Question.TimeLimitSec - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Elapsed returns whole seconds since the question was broadcast.
func (d *CurrentQuestionData) Elapsed(now time.Duration) int {
	return int((now - d.startedAt) / time.Second)
}

// ContestOrchestrator drives every running contest through its question
// sequence and owns the per-contest runtime state.
type ContestOrchestrator interface {
	// StartContest derives the contest's runtime state and acts on it:
	// schedules upcoming contests, starts active ones, ignores completed
	// ones. Idempotent.
	StartContest(ctx context.Context, contestID uuid.UUID)
	// EnsureContestRunning starts or schedules the contest if it is not
	// already tracked. Invoked on every join and resync.
	EnsureContestRunning(ctx context.Context, contestID uuid.UUID)
	// StopContest tears down the contest's runtime state and timers without
	// ending the contest.
	StopContest(contestID uuid.UUID)
	// RecordSubmission feeds the early-advancement predicate.
	RecordSubmission(contestID, userID uuid.UUID)
	// UpdateParticipantCount refreshes the predicate denominator from
	// storage, called when a participant joins.
	UpdateParticipantCount(contestID uuid.UUID, count int)
	// CurrentQuestion returns the live question snapshot, or false when the
	// contest is between questions, expired or not running.
	CurrentQuestion(contestID uuid.UUID) (*CurrentQuestionData, bool)
	// IsContestQuestion reports whether the running contest contains the
	// question, current or not. False when the contest is not running.
	IsContestQuestion(contestID, questionID uuid.UUID) bool
	// Stop cancels all timers and handlers, for shutdown.
	Stop()
}

type LocalContestOrchestrator struct {
	sync.Mutex
	logger      *zap.Logger
	config      Config
	clock       Clock
	contests    ContestRepository
	submissions SubmissionRepository
	snapshots   LeaderboardSnapshotRepository
	rankCache   LeaderboardRankCache
	router      MessageRouter
	metrics     *Metrics

	handlers  map[uuid.UUID]*contestHandler
	scheduled map[uuid.UUID]TimerHandle
	stopped   bool
}

func NewLocalContestOrchestrator(logger *zap.Logger, config Config, clock Clock, contests ContestRepository, submissions SubmissionRepository, snapshots LeaderboardSnapshotRepository, rankCache LeaderboardRankCache, router MessageRouter, metrics *Metrics) ContestOrchestrator {
	return &LocalContestOrchestrator{
		logger:      logger,
		config:      config,
		clock:       clock,
		contests:    contests,
		submissions: submissions,
		snapshots:   snapshots,
		rankCache:   rankCache,
		router:      router,
		metrics:     metrics,

		handlers:  make(map[uuid.UUID]*contestHandler),
		scheduled: make(map[uuid.UUID]TimerHandle),
	}
}

func (o *LocalContestOrchestrator) StartContest(ctx context.Context, contestID uuid.UUID) {
	logger := o.logger.With(zap.String("contest_id", contestID.String()))

	contest, err := o.contests.GetContest(ctx, contestID)
	if err != nil {
		logger.Error("Could not read contest to start", zap.Error(err))
		return
	}
	if contest == nil {
		logger.Warn("Contest to start not found")
		return
	}

	switch contest.StateAt(o.clock.Now()) {
	case ContestStateCompleted:
		logger.Debug("Contest already completed, not starting")
	case ContestStateUpcoming:
		o.schedule(logger, contest)
	case ContestStateActive:
		o.run(ctx, logger, contest)
	}
}

func (o *LocalContestOrchestrator) EnsureContestRunning(ctx context.Context, contestID uuid.UUID) {
	o.Lock()
	_, running := o.handlers[contestID]
	o.Unlock()
	if running {
		return
	}
	o.StartContest(ctx, contestID)
}

// schedule arms a one-shot start timer at the contest's startAt, replacing
// any previous schedule.
func (o *LocalContestOrchestrator) schedule(logger *zap.Logger, contest *Contest) {
	o.Lock()
	defer o.Unlock()
	if o.stopped {
		return
	}

	if prior, ok := o.scheduled[contest.ID]; ok {
		prior.Cancel()
	}

	delay := contest.StartAt.Sub(o.clock.Now())
	contestID := contest.ID
	o.scheduled[contestID] = o.clock.After(delay, func() {
		o.Lock()
		delete(o.scheduled, contestID)
		o.Unlock()
		o.StartContest(context.Background(), contestID)
	})
	logger.Info("Scheduled contest start", zap.Duration("delay", delay))
}

func (o *LocalContestOrchestrator) run(ctx context.Context, logger *zap.Logger, contest *Contest) {
	o.Lock()
	if o.stopped {
		o.Unlock()
		return
	}
	if _, ok := o.handlers[contest.ID]; ok {
		o.Unlock()
		return
	}
	if prior, ok := o.scheduled[contest.ID]; ok {
		prior.Cancel()
		delete(o.scheduled, contest.ID)
	}

	handler := &contestHandler{
		logger:         logger,
		orchestrator:   o,
		contest:        contest,
		callCh:         make(chan func(), o.config.GetContest().CallQueueSize),
		stopCh:         make(chan struct{}),
		stopped:        atomic.NewBool(false),
		submittedUsers: make(map[uuid.UUID]struct{}),
	}
	o.handlers[contest.ID] = handler
	o.Unlock()

	questions, err := o.contests.GetOrderedQuestions(ctx, contest.ID)
	if err != nil {
		logger.Error("Could not load contest questions", zap.Error(err))
		o.removeHandler(contest.ID)
		return
	}
	if len(questions) == 0 {
		logger.Warn("Contest has no questions, not starting")
		o.removeHandler(contest.ID)
		return
	}
	handler.questions = questions

	count, err := o.contests.CountParticipants(ctx, contest.ID)
	if err != nil {
		logger.Error("Could not count contest participants", zap.Error(err))
		o.removeHandler(contest.ID)
		return
	}
	handler.totalParticipants = count

	if err = RebuildRankCache(ctx, logger, o.rankCache, o.contests, o.submissions, contest.ID); err != nil {
		logger.Error("Could not rebuild rank cache", zap.Error(err))
	}

	if err = o.contests.UpdateContestStatus(ctx, contest.ID, ContestStateActive.String()); err != nil {
		logger.Warn("Could not update stored contest status", zap.Error(err))
	}

	o.metrics.GaugeContests(1)
	logger.Info("Starting contest", zap.Int("questions", len(questions)), zap.Int("participants", count))

	go handler.loop()
	handler.queue(func() {
		o.router.SendToRoom(logger, contest.ID, EventContestStart, &ContestStartData{
			ContestID:      contest.ID,
			Title:          contest.Title,
			StartAt:        contest.StartAt,
			EndAt:          contest.EndAt,
			TotalQuestions: len(questions),
		})
		handler.beginQuestion(0)
	})
}

func (o *LocalContestOrchestrator) StopContest(contestID uuid.UUID) {
	o.Lock()
	if scheduledHandle, ok := o.scheduled[contestID]; ok {
		scheduledHandle.Cancel()
		delete(o.scheduled, contestID)
	}
	handler := o.handlers[contestID]
	o.Unlock()

	if handler != nil {
		handler.shutdown()
		o.removeHandler(contestID)
	}
}

func (o *LocalContestOrchestrator) RecordSubmission(contestID, userID uuid.UUID) {
	o.Lock()
	handler := o.handlers[contestID]
	o.Unlock()
	if handler == nil {
		return
	}
	handler.queue(func() {
		handler.recordSubmission(userID)
	})
}

func (o *LocalContestOrchestrator) UpdateParticipantCount(contestID uuid.UUID, count int) {
	o.Lock()
	handler := o.handlers[contestID]
	o.Unlock()
	if handler == nil {
		return
	}
	handler.queue(func() {
		handler.totalParticipants = count
		handler.checkEarlyAdvancement()
	})
}

func (o *LocalContestOrchestrator) CurrentQuestion(contestID uuid.UUID) (*CurrentQuestionData, bool) {
	o.Lock()
	handler := o.handlers[contestID]
	o.Unlock()
	if handler == nil {
		return nil, false
	}

	snapshot, ok := handler.snapshot.Load().(*CurrentQuestionData)
	if !ok || snapshot == nil {
		return nil, false
	}
	// Never hand out a question whose timer has expired but whose transition
	// has not fired yet.
	if o.clock.Monotonic()-snapshot.startedAt >= time.Duration(snapshot.Question.TimeLimitSec)*time.Second {
		return nil, false
	}
	return snapshot, true
}

func (o *LocalContestOrchestrator) IsContestQuestion(contestID, questionID uuid.UUID) bool {
	o.Lock()
	handler := o.handlers[contestID]
	o.Unlock()
	if handler == nil {
		return false
	}
	// The question list is immutable once the handler starts.
	for _, question := range handler.questions {
		if question.ID == questionID {
			return true
		}
	}
	return false
}

func (o *LocalContestOrchestrator) Stop() {
	o.Lock()
	o.stopped = true
	for contestID, scheduledHandle := range o.scheduled {
		scheduledHandle.Cancel()
		delete(o.scheduled, contestID)
	}
	handlers := make([]*contestHandler, 0, len(o.handlers))
	for _, handler := range o.handlers {
		handlers = append(handlers, handler)
	}
	o.Unlock()

	for _, handler := range handlers {
		handler.shutdown()
		o.removeHandler(handler.contest.ID)
	}
}

func (o *LocalContestOrchestrator) removeHandler(contestID uuid.UUID) {
	o.Lock()
	if _, ok := o.handlers[contestID]; ok {
		delete(o.handlers, contestID)
		o.metrics.GaugeContests(-1)
	}
	o.Unlock()
}

// contestHandler owns one contest's RuntimeContestState. All mutations run
// on the single loop goroutine; timers and external callers enqueue closures
// onto callCh.
type contestHandler struct {
	logger       *zap.Logger
	orchestrator *LocalContestOrchestrator

	contest   *Contest
	questions []*Question

	callCh  chan func()
	stopCh  chan struct{}
	stopped *atomic.Bool

	currentIndex      int
	questionStartedAt time.Duration
	submittedUsers    map[uuid.UUID]struct{}
	totalParticipants int

	tickHandle  TimerHandle
	endHandle   TimerHandle
	graceHandle TimerHandle

	// snapshot holds *CurrentQuestionData for lock-free reads by sessions.
	snapshot atomic.Value
}

func (h *contestHandler) loop() {
	for {
		select {
		case <-h.stopCh:
			return
		case call := <-h.callCh:
			call()
		}
	}
}

// queue enqueues a closure onto the handler loop. Drops with a log when the
// queue is saturated rather than blocking timer goroutines.
func (h *contestHandler) queue(fn func()) {
	if h.stopped.Load() {
		return
	}
	select {
	case h.callCh <- fn:
	default:
		h.logger.Error("Contest handler call queue full, dropping call")
	}
}

// beginQuestion enters Running(index). Runs on the loop goroutine.
func (h *contestHandler) beginQuestion(index int) {
	if h.stopped.Load() {
		return
	}
	if index >= len(h.questions) {
		h.endContest()
		return
	}

	question := h.questions[index]
	h.currentIndex = index
	h.submittedUsers = make(map[uuid.UUID]struct{})

	// Preload the submitted set from storage so a restart mid-contest does
	// not replay questions everyone has already answered.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	submitted, err := h.orchestrator.submissions.ListSubmittedUserIDs(ctx, h.contest.ID, question.ID)
	cancel()
	if err != nil {
		h.logger.Error("Could not preload submitted users", zap.Error(err))
	}
	for _, userID := range submitted {
		h.submittedUsers[userID] = struct{}{}
	}
	if h.advancementSatisfied() {
		h.logger.Info("Question already fully submitted, skipping", zap.Int("question_number", index+1))
		h.beginQuestion(index + 1)
		return
	}

	payload := question.Payload()
	data := &CurrentQuestionData{
		Question:       question,
		QuestionNumber: index + 1,
		TotalQuestions: len(h.questions),
		startedAt:      h.orchestrator.clock.Monotonic(),
	}
	h.questionStartedAt = data.startedAt
	h.snapshot.Store(data)

	// Timer callbacks go through the call queue, which this goroutine drains,
	// so no timer_update can overtake the question_broadcast below.
	h.tickHandle = h.orchestrator.clock.Every(time.Second, func() {
		h.queue(func() { h.onTick(index) })
	})
	h.endHandle = h.orchestrator.clock.After(time.Duration(question.TimeLimitSec)*time.Second, func() {
		h.queue(func() { h.onExpired(index) })
	})

	h.orchestrator.router.SendToRoom(h.logger, h.contest.ID, EventQuestionBroadcast, &QuestionBroadcastData{
		Question:       payload,
		QuestionNumber: index + 1,
		TotalQuestions: len(h.questions),
		RemainingTime:  question.TimeLimitSec,
	})
	h.logger.Info("Broadcast question", zap.Int("question_number", index+1), zap.Int("time_limit_sec", question.TimeLimitSec))
}

func (h *contestHandler) onTick(index int) {
	if h.stopped.Load() || h.currentIndex != index {
		return
	}
	snapshot, ok := h.snapshot.Load().(*CurrentQuestionData)
	if !ok || snapshot == nil {
		return
	}

	remaining := snapshot.Remaining(h.orchestrator.clock.Monotonic())
	h.orchestrator.router.SendToRoom(h.logger, h.contest.ID, EventTimerUpdate, &TimerUpdateData{
		QuestionID:    snapshot.Question.ID,
		RemainingTime: remaining,
	})
}

func (h *contestHandler) onExpired(index int) {
	if h.stopped.Load() || h.currentIndex != index {
		return
	}
	h.completeQuestion()
}

func (h *contestHandler) recordSubmission(userID uuid.UUID) {
	if h.stopped.Load() {
		return
	}
	if snapshot, ok := h.snapshot.Load().(*CurrentQuestionData); !ok || snapshot == nil {
		return
	}
	h.submittedUsers[userID] = struct{}{}
	h.checkEarlyAdvancement()
}

func (h *contestHandler) advancementSatisfied() bool {
	return h.totalParticipants > 0 && len(h.submittedUsers) >= h.totalParticipants
}

func (h *contestHandler) checkEarlyAdvancement() {
	if h.stopped.Load() {
		return
	}
	if snapshot, ok := h.snapshot.Load().(*CurrentQuestionData); !ok || snapshot == nil {
		return
	}
	if h.advancementSatisfied() {
		h.logger.Info("All participants submitted, advancing early", zap.Int("question_number", h.currentIndex+1))
		h.completeQuestion()
	}
}

// completeQuestion leaves Running(currentIndex) and enters the interstitial
// grace, after which the next question begins or the contest ends.
func (h *contestHandler) completeQuestion() {
	h.cancelQuestionTimers()
	// No current question during the interstitial, submissions are rejected.
	h.snapshot.Store((*CurrentQuestionData)(nil))

	var nextNumber *int
	if next := h.currentIndex + 1; next < len(h.questions) {
		number := next + 1
		nextNumber = &number
	}
	graceSec := h.orchestrator.config.GetContest().QuestionGraceSec
	nextIndex := h.currentIndex + 1
	h.graceHandle = h.orchestrator.clock.After(time.Duration(graceSec)*time.Second, func() {
		h.queue(func() { h.beginQuestion(nextIndex) })
	})

	h.orchestrator.router.SendToRoom(h.logger, h.contest.ID, EventQuestionChange, &QuestionChangeData{
		NextQuestionNumber: nextNumber,
		GraceSeconds:       graceSec,
	})
}

func (h *contestHandler) endContest() {
	logger := h.logger
	o := h.orchestrator
	contestID := h.contest.ID

	h.cancelQuestionTimers()
	h.snapshot.Store((*CurrentQuestionData)(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := PersistLeaderboard(ctx, logger, o.rankCache, o.contests, o.submissions, o.snapshots, contestID); err != nil {
		logger.Error("Could not persist final leaderboard", zap.Error(err))
	}
	if err := o.contests.UpdateContestStatus(ctx, contestID, ContestStateCompleted.String()); err != nil {
		logger.Warn("Could not update stored contest status", zap.Error(err))
	}

	standings := LeaderboardTopN(ctx, logger, o.rankCache, o.submissions, contestID, o.config.GetContest().LeaderboardTopN)
	o.router.SendToRoomEach(logger, contestID, EventContestEnd, func(presence *RoomPresence) interface{} {
		data := &ContestEndData{
			ContestID:   contestID,
			Leaderboard: standings,
		}
		if rank, ok := o.rankCache.GetRank(contestID, presence.UserID); ok {
			data.FinalRank = &rank
			for _, entry := range o.rankCache.All(contestID) {
				if entry.UserID == presence.UserID {
					score := entry.Score
					data.FinalScore = &score
					break
				}
			}
		}
		return data
	})

	o.rankCache.DeleteContest(contestID)

	logger.Info("Contest ended")
	h.shutdown()
	o.removeHandler(contestID)
}

func (h *contestHandler) cancelQuestionTimers() {
	if h.tickHandle != nil {
		h.tickHandle.Cancel()
		h.tickHandle = nil
	}
	if h.endHandle != nil {
		h.endHandle.Cancel()
		h.endHandle = nil
	}
	if h.graceHandle != nil {
		h.graceHandle.Cancel()
		h.graceHandle = nil
	}
}

func (h *contestHandler) shutdown() {
	if !h.stopped.CAS(false, true) {
		return
	}
	h.cancelQuestionTimers()
	h.snapshot.Store((*CurrentQuestionData)(nil))
	close(h.stopCh)
}
