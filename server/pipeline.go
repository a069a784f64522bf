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
	"go.uber.org/zap"
)

// LeaderboardObserver is notified whenever a contest's standings change, so
// the public channel can push updates to anonymous subscribers.
type LeaderboardObserver interface {
	PublishLeaderboard(contestID uuid.UUID)
}

// Pipeline routes decoded client envelopes from authenticated sessions to
// the contest core.
type Pipeline struct {
	logger       *zap.Logger
	config       Config
	clock        Clock
	contests     ContestRepository
	submissions  SubmissionRepository
	snapshots    LeaderboardSnapshotRepository
	rankCache    LeaderboardRankCache
	orchestrator ContestOrchestrator
	rooms        RoomRegistry
	router       MessageRouter
	processor    *SubmissionProcessor

	observerMutex sync.RWMutex
	observer      LeaderboardObserver

	// pendingBroadcasts holds the debounce timer per contest with a
	// leaderboard broadcast in flight.
	pendingMutex      sync.Mutex
	pendingBroadcasts map[uuid.UUID]TimerHandle
}

func NewPipeline(logger *zap.Logger, config Config, clock Clock, contests ContestRepository, submissions SubmissionRepository, snapshots LeaderboardSnapshotRepository, rankCache LeaderboardRankCache, orchestrator ContestOrchestrator, rooms RoomRegistry, router MessageRouter, processor *SubmissionProcessor) *Pipeline {
	return &Pipeline{
		logger:       logger,
		config:       config,
		clock:        clock,
		contests:     contests,
		submissions:  submissions,
		snapshots:    snapshots,
		rankCache:    rankCache,
		orchestrator: orchestrator,
		rooms:        rooms,
		router:       router,
		processor:    processor,

		pendingBroadcasts: make(map[uuid.UUID]TimerHandle),
	}
}

// SetLeaderboardObserver attaches the public channel after construction, the
// two sides are built independently.
func (p *Pipeline) SetLeaderboardObserver(observer LeaderboardObserver) {
	p.observerMutex.Lock()
	p.observer = observer
	p.observerMutex.Unlock()
}

func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, envelope *Envelope) {
	switch envelope.Event {
	case EventJoinContest:
		p.processJoinContest(logger, session, envelope)
	case EventSubmitAnswer:
		p.processSubmitAnswer(logger, session, envelope)
	case EventResync:
		p.processResync(logger, session, envelope)
	case EventPing:
		p.processPing(logger, session)
	default:
		logger.Debug("Received unrecognized event", zap.String("event", envelope.Event))
		p.sendError(session, ErrInvalidEvent)
	}
}

func (p *Pipeline) SessionClosed(session Session) {
	// Room membership is already torn down by the session itself.
}

func (p *Pipeline) sendError(session Session, err *TypedError) {
	_ = session.Send(EventError, &ErrorData{Code: err.Code, Message: err.Message})
}

// scheduleLeaderboardBroadcast coalesces bursts of score changes into one
// room broadcast per debounce window. The timer reads the standings when it
// fires, so the last update of a burst is always included.
func (p *Pipeline) scheduleLeaderboardBroadcast(contestID uuid.UUID) {
	p.pendingMutex.Lock()
	if _, pending := p.pendingBroadcasts[contestID]; pending {
		p.pendingMutex.Unlock()
		return
	}
	delay := time.Duration(p.config.GetContest().LeaderboardDebounceMs) * time.Millisecond
	p.pendingBroadcasts[contestID] = p.clock.After(delay, func() {
		p.pendingMutex.Lock()
		delete(p.pendingBroadcasts, contestID)
		p.pendingMutex.Unlock()

		p.broadcastLeaderboard(contestID)
	})
	p.pendingMutex.Unlock()
}

func (p *Pipeline) broadcastLeaderboard(contestID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries := LeaderboardTopN(ctx, p.logger, p.rankCache, p.submissions, contestID, p.config.GetContest().LeaderboardTopN)
	total := p.rankCache.TotalParticipants(contestID)

	p.router.SendToRoomEach(p.logger, contestID, EventLeaderboardUpdate, func(presence *RoomPresence) interface{} {
		return p.leaderboardDataFor(contestID, entries, total, presence.UserID)
	})

	p.observerMutex.RLock()
	observer := p.observer
	p.observerMutex.RUnlock()
	if observer != nil {
		observer.PublishLeaderboard(contestID)
	}
}

// leaderboardDataFor builds the leaderboard payload with the recipient's own
// rank and score attached.
func (p *Pipeline) leaderboardDataFor(contestID uuid.UUID, entries []*LeaderboardEntry, total int, userID uuid.UUID) *LeaderboardUpdateData {
	data := &LeaderboardUpdateData{
		ContestID:         contestID,
		Entries:           entries,
		TotalParticipants: total,
	}
	if rank, ok := p.rankCache.GetRank(contestID, userID); ok {
		data.YourRank = &rank
		for _, entry := range p.rankCache.All(contestID) {
			if entry.UserID == userID {
				score := entry.Score
				data.YourScore = &score
				break
			}
		}
	}
	return data
}
