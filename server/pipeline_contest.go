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
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

func (p *Pipeline) processJoinContest(logger *zap.Logger, session Session, envelope *Envelope) {
	data := &JoinContestData{}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		p.sendError(session, ErrInvalidEvent)
		return
	}
	contestID, err := uuid.FromString(data.ContestID)
	if err != nil {
		p.sendError(session, ErrContestNotFound)
		return
	}

	p.joinContest(logger, session, contestID, false)
}

func (p *Pipeline) processResync(logger *zap.Logger, session Session, envelope *Envelope) {
	data := &ResyncData{}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		p.sendError(session, ErrInvalidEvent)
		return
	}
	contestID, err := uuid.FromString(data.ContestID)
	if err != nil {
		p.sendError(session, ErrContestNotFound)
		return
	}

	// A session already in the room skips the membership re-check.
	alreadyMember := p.rooms.IsMember(contestID, session.ID())
	p.joinContest(logger, session, contestID, alreadyMember)
}

func (p *Pipeline) joinContest(logger *zap.Logger, session Session, contestID uuid.UUID, skipAuthorization bool) {
	ctx, cancel := context.WithTimeout(session.Context(), 15*time.Second)
	defer cancel()

	contest, err := p.contests.GetContest(ctx, contestID)
	if err != nil {
		logger.Error("Could not read contest to join", zap.Error(err))
		p.sendError(session, ErrServerError)
		return
	}
	if contest == nil {
		p.sendError(session, ErrContestNotFound)
		session.CloseWithReason(CloseCodeNormal, "contest not found")
		return
	}

	isParticipant := false
	if !skipAuthorization {
		isParticipant, err = p.contests.IsParticipant(ctx, contestID, session.UserID())
		if err != nil {
			logger.Error("Could not check contest membership", zap.Error(err))
			p.sendError(session, ErrServerError)
			return
		}
		// Admins are admitted as non-participating monitors.
		if !isParticipant && session.Role() != RoleAdmin {
			p.sendError(session, ErrNotParticipant)
			session.CloseWithReason(CloseCodeForbidden, "not a participant")
			return
		}
	} else {
		isParticipant = session.Role() != RoleAdmin
	}

	now := p.clock.Now()
	switch contest.StateAt(now) {
	case ContestStateCompleted:
		p.sendCompletedContestEnd(ctx, logger, session, contestID)
		session.CloseWithReason(CloseCodeNormal, "contest completed")

	case ContestStateUpcoming:
		p.enterRoom(session, contestID, isParticipant)
		p.orchestrator.EnsureContestRunning(ctx, contestID)
		countdown := int(contest.StartAt.Sub(now) / time.Second)
		_ = session.Send(EventContestStart, &ContestStartData{
			ContestID:        contest.ID,
			Title:            contest.Title,
			StartAt:          contest.StartAt,
			EndAt:            contest.EndAt,
			CountdownToStart: countdown,
		})

	case ContestStateActive:
		if isParticipant {
			done, doneErr := p.hasSubmittedAll(ctx, contestID, session.UserID())
			if doneErr != nil {
				logger.Error("Could not check submitted questions", zap.Error(doneErr))
				p.sendError(session, ErrServerError)
				return
			}
			if done {
				p.sendLiveContestEnd(ctx, logger, session, contestID)
				session.CloseWithReason(CloseCodeNormal, "all questions submitted")
				return
			}
		}

		p.orchestrator.EnsureContestRunning(ctx, contestID)
		p.enterRoom(session, contestID, isParticipant)

		if count, countErr := p.contests.CountParticipants(ctx, contestID); countErr == nil {
			p.orchestrator.UpdateParticipantCount(contestID, count)
		}

		p.sendActiveState(ctx, session, contestID)
	}
}

func (p *Pipeline) enterRoom(session Session, contestID uuid.UUID, isParticipant bool) {
	role := session.Role()
	if !isParticipant {
		role = RoleAdmin
	}
	p.rooms.Join(contestID, &RoomPresence{
		SessionID: session.ID(),
		UserID:    session.UserID(),
		Username:  session.Username(),
		Role:      role,
	})
	session.SetContestID(contestID)
}

// sendActiveState delivers the targeted late-joiner snapshot: the current
// question with its remaining time, then the live standings.
func (p *Pipeline) sendActiveState(ctx context.Context, session Session, contestID uuid.UUID) {
	if current, ok := p.orchestrator.CurrentQuestion(contestID); ok {
		remaining := current.Remaining(p.clock.Monotonic())
		_ = session.Send(EventQuestionBroadcast, &QuestionBroadcastData{
			Question:       current.Question.Payload(),
			QuestionNumber: current.QuestionNumber,
			TotalQuestions: current.TotalQuestions,
			RemainingTime:  remaining,
		})
		_ = session.Send(EventTimerUpdate, &TimerUpdateData{
			QuestionID:    current.Question.ID,
			RemainingTime: remaining,
		})
	}

	entries := LeaderboardTopN(ctx, p.logger, p.rankCache, p.submissions, contestID, p.config.GetContest().LeaderboardTopN)
	total := p.rankCache.TotalParticipants(contestID)
	_ = session.Send(EventLeaderboardUpdate, p.leaderboardDataFor(contestID, entries, total, session.UserID()))
}

func (p *Pipeline) hasSubmittedAll(ctx context.Context, contestID, userID uuid.UUID) (bool, error) {
	questions, err := p.contests.GetOrderedQuestions(ctx, contestID)
	if err != nil {
		return false, err
	}
	if len(questions) == 0 {
		return false, nil
	}
	submitted, err := p.submissions.CountDistinctSubmitted(ctx, contestID, userID)
	if err != nil {
		return false, err
	}
	return submitted >= len(questions), nil
}

// sendCompletedContestEnd synthesizes contest_end from the durable snapshot
// for a session joining a finished contest.
func (p *Pipeline) sendCompletedContestEnd(ctx context.Context, logger *zap.Logger, session Session, contestID uuid.UUID) {
	snapshot, err := p.snapshots.GetSnapshot(ctx, contestID)
	if err != nil {
		logger.Error("Could not read leaderboard snapshot", zap.Error(err))
		p.sendError(session, ErrServerError)
		return
	}

	limit := p.config.GetContest().LeaderboardTopN
	if limit > len(snapshot) {
		limit = len(snapshot)
	}
	userIDs := make([]uuid.UUID, 0, limit)
	for _, row := range snapshot[:limit] {
		userIDs = append(userIDs, row.UserID)
	}
	counts, err := p.submissions.CorrectCounts(ctx, contestID, userIDs)
	if err != nil {
		counts = map[uuid.UUID]int{}
	}

	data := &ContestEndData{
		ContestID:   contestID,
		Leaderboard: make([]*LeaderboardEntry, 0, limit),
	}
	for _, row := range snapshot[:limit] {
		data.Leaderboard = append(data.Leaderboard, &LeaderboardEntry{
			Rank:              row.Rank,
			UserID:            row.UserID,
			Username:          row.Username,
			Score:             row.Score,
			QuestionsAnswered: counts[row.UserID],
		})
	}
	for _, row := range snapshot {
		if row.UserID == session.UserID() {
			rank, score := row.Rank, row.Score
			data.FinalRank = &rank
			data.FinalScore = &score
			break
		}
	}

	_ = session.Send(EventContestEnd, data)
}

// sendLiveContestEnd synthesizes contest_end from the live standings for a
// participant who has already submitted to every question.
func (p *Pipeline) sendLiveContestEnd(ctx context.Context, logger *zap.Logger, session Session, contestID uuid.UUID) {
	if p.rankCache.TotalParticipants(contestID) == 0 {
		if err := RebuildRankCache(ctx, logger, p.rankCache, p.contests, p.submissions, contestID); err != nil {
			logger.Error("Could not rebuild rank cache", zap.Error(err))
		}
	}

	entries := LeaderboardTopN(ctx, logger, p.rankCache, p.submissions, contestID, p.config.GetContest().LeaderboardTopN)
	data := &ContestEndData{
		ContestID:   contestID,
		Leaderboard: entries,
	}
	if rank, ok := p.rankCache.GetRank(contestID, session.UserID()); ok {
		data.FinalRank = &rank
		for _, entry := range p.rankCache.All(contestID) {
			if entry.UserID == session.UserID() {
				score := entry.Score
				data.FinalScore = &score
				break
			}
		}
	}

	_ = session.Send(EventContestEnd, data)
}
