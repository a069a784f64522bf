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
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// PublicBroadcaster serves the unauthenticated channel: contest list pushes
// on runtime-state boundaries and anonymous leaderboard subscriptions. It
// implements MessageProcessor for public sessions and LeaderboardObserver
// for score changes.
type PublicBroadcaster struct {
	sync.Mutex
	logger      *zap.Logger
	config      Config
	clock       Clock
	contests    ContestRepository
	submissions SubmissionRepository
	rankCache   LeaderboardRankCache

	contestSubs     map[uuid.UUID]Session
	leaderboardSubs map[uuid.UUID]map[uuid.UUID]Session
	boundaryTimers  []TimerHandle
	stopped         bool
}

func NewPublicBroadcaster(logger *zap.Logger, config Config, clock Clock, contests ContestRepository, submissions SubmissionRepository, rankCache LeaderboardRankCache) *PublicBroadcaster {
	return &PublicBroadcaster{
		logger:      logger,
		config:      config,
		clock:       clock,
		contests:    contests,
		submissions: submissions,
		rankCache:   rankCache,

		contestSubs:     make(map[uuid.UUID]Session),
		leaderboardSubs: make(map[uuid.UUID]map[uuid.UUID]Session),
	}
}

// Start arms one-shot timers at every future contest boundary so the contest
// list is rebroadcast exactly when runtime states flip.
func (b *PublicBroadcaster) Start(ctx context.Context) {
	contests, err := b.contests.ListContests(ctx)
	if err != nil {
		b.logger.Error("Could not list contests for boundary timers", zap.Error(err))
		return
	}

	now := b.clock.Now()
	b.Lock()
	defer b.Unlock()
	if b.stopped {
		return
	}
	for _, contest := range contests {
		for _, boundary := range []time.Time{contest.StartAt, contest.EndAt} {
			if !boundary.After(now) {
				continue
			}
			handle := b.clock.After(boundary.Sub(now), func() {
				b.broadcastContests()
			})
			b.boundaryTimers = append(b.boundaryTimers, handle)
		}
	}
	b.logger.Info("Armed contest boundary timers", zap.Int("timers", len(b.boundaryTimers)))
}

func (b *PublicBroadcaster) Stop() {
	b.Lock()
	b.stopped = true
	for _, handle := range b.boundaryTimers {
		handle.Cancel()
	}
	b.boundaryTimers = nil
	b.Unlock()
}

func (b *PublicBroadcaster) ProcessRequest(logger *zap.Logger, session Session, envelope *Envelope) {
	switch envelope.Event {
	case EventSubscribeContests:
		b.subscribeContests(logger, session)
	case EventSubscribeLeaderboard:
		data := &SubscribeLeaderboardData{}
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			b.sendError(session, ErrInvalidEvent)
			return
		}
		contestID, err := uuid.FromString(data.ContestID)
		if err != nil {
			b.sendError(session, ErrContestNotFound)
			return
		}
		b.subscribeLeaderboard(logger, session, contestID)
	case EventPing:
		_ = session.Send(EventPong, &PongData{Timestamp: b.clock.Now()})
	default:
		b.sendError(session, ErrInvalidEvent)
	}
}

func (b *PublicBroadcaster) SessionClosed(session Session) {
	b.Lock()
	delete(b.contestSubs, session.ID())
	for contestID, subs := range b.leaderboardSubs {
		delete(subs, session.ID())
		if len(subs) == 0 {
			delete(b.leaderboardSubs, contestID)
		}
	}
	b.Unlock()
}

func (b *PublicBroadcaster) sendError(session Session, err *TypedError) {
	_ = session.Send(EventError, &ErrorData{Code: err.Code, Message: err.Message})
}

func (b *PublicBroadcaster) subscribeContests(logger *zap.Logger, session Session) {
	b.Lock()
	b.contestSubs[session.ID()] = session
	b.Unlock()

	data, err := b.contestsData()
	if err != nil {
		logger.Error("Could not build contests snapshot", zap.Error(err))
		b.sendError(session, ErrServerError)
		return
	}
	_ = session.Send(EventContestsUpdate, data)
}

func (b *PublicBroadcaster) subscribeLeaderboard(logger *zap.Logger, session Session, contestID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contest, err := b.contests.GetContest(ctx, contestID)
	if err != nil {
		logger.Error("Could not read contest for leaderboard subscription", zap.Error(err))
		b.sendError(session, ErrServerError)
		return
	}
	if contest == nil {
		b.sendError(session, ErrContestNotFound)
		return
	}

	b.Lock()
	subs, ok := b.leaderboardSubs[contestID]
	if !ok {
		subs = make(map[uuid.UUID]Session)
		b.leaderboardSubs[contestID] = subs
	}
	subs[session.ID()] = session
	b.Unlock()

	_ = session.Send(EventLeaderboardUpdate, b.leaderboardData(ctx, contestID))
}

// PublishLeaderboard pushes fresh standings to the contest's anonymous
// subscribers. Invoked by the pipeline after each debounced score change.
func (b *PublicBroadcaster) PublishLeaderboard(contestID uuid.UUID) {
	b.Lock()
	subs := make([]Session, 0, len(b.leaderboardSubs[contestID]))
	for _, session := range b.leaderboardSubs[contestID] {
		subs = append(subs, session)
	}
	b.Unlock()
	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := b.leaderboardData(ctx, contestID)
	for _, session := range subs {
		_ = session.Send(EventLeaderboardUpdate, data)
	}
}

func (b *PublicBroadcaster) broadcastContests() {
	b.Lock()
	subs := make([]Session, 0, len(b.contestSubs))
	for _, session := range b.contestSubs {
		subs = append(subs, session)
	}
	b.Unlock()
	if len(subs) == 0 {
		return
	}

	data, err := b.contestsData()
	if err != nil {
		b.logger.Error("Could not build contests snapshot", zap.Error(err))
		return
	}
	for _, session := range subs {
		_ = session.Send(EventContestsUpdate, data)
	}
}

func (b *PublicBroadcaster) contestsData() (*ContestsUpdateData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contests, err := b.contests.ListContests(ctx)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now()
	data := &ContestsUpdateData{Contests: make([]*ContestSummary, 0, len(contests))}
	for _, contest := range contests {
		count, countErr := b.contests.CountParticipants(ctx, contest.ID)
		if countErr != nil {
			b.logger.Warn("Could not count participants", zap.String("contest_id", contest.ID.String()), zap.Error(countErr))
		}
		data.Contests = append(data.Contests, &ContestSummary{
			ID:               contest.ID,
			Title:            contest.Title,
			StartAt:          contest.StartAt,
			EndAt:            contest.EndAt,
			State:            contest.StateAt(now).String(),
			ParticipantCount: count,
		})
	}
	return data, nil
}

func (b *PublicBroadcaster) leaderboardData(ctx context.Context, contestID uuid.UUID) *LeaderboardUpdateData {
	entries := LeaderboardTopN(ctx, b.logger, b.rankCache, b.submissions, contestID, b.config.GetContest().LeaderboardTopN)
	return &LeaderboardUpdateData{
		ContestID:         contestID,
		Entries:           entries,
		TotalParticipants: b.rankCache.TotalParticipants(contestID),
	}
}
