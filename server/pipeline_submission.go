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

func (p *Pipeline) processSubmitAnswer(logger *zap.Logger, session Session, envelope *Envelope) {
	contestID := session.ContestID()
	if contestID == uuid.Nil {
		p.sendError(session, ErrNotParticipant)
		return
	}
	if session.Role() == RoleAdmin {
		p.sendError(session, &TypedError{Code: ErrorCodeNotParticipant, Message: "Monitors cannot submit answers"})
		return
	}

	data := &SubmitAnswerData{}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		p.sendError(session, ErrInvalidEvent)
		return
	}
	questionID, err := uuid.FromString(data.QuestionID)
	if err != nil {
		p.sendError(session, ErrInvalidQuestion)
		return
	}

	// The orchestrator is the timing authority. No current question means
	// the timer elapsed, the interstitial is in progress or the contest is
	// not running; ambiguity rejects.
	current, ok := p.orchestrator.CurrentQuestion(contestID)
	if !ok {
		p.sendError(session, ErrTimeExpired)
		return
	}
	if current.Question.ID != questionID {
		if p.orchestrator.IsContestQuestion(contestID, questionID) {
			p.sendError(session, ErrTimeExpired)
		} else {
			p.sendError(session, ErrInvalidQuestion)
		}
		return
	}

	ctx, cancel := context.WithTimeout(session.Context(), 60*time.Second)
	defer cancel()

	result, err := p.processor.Submit(ctx, &SubmitRequest{
		ContestID:        contestID,
		UserID:           session.UserID(),
		Username:         session.Username(),
		Question:         current.Question,
		SelectedOptionID: data.SelectedOptionID,
		Code:             data.Code,
		Language:         data.Language,
		TimeTakenSec:     current.Elapsed(p.clock.Monotonic()),
	})
	if err != nil {
		// A non-nil result alongside the error means the attempt was durably
		// recorded (unreachable grader), count it toward early advancement
		// before surfacing the failure.
		if result != nil {
			p.orchestrator.RecordSubmission(contestID, session.UserID())
		}
		p.sendError(session, AsTypedError(err))
		return
	}

	resultData := &SubmissionResultData{
		SubmissionID: result.SubmissionID,
		QuestionID:   questionID,
		IsCorrect:    result.IsCorrect,
		PointsEarned: result.PointsEarned,
		TimeTaken:    result.TimeTaken,
		CurrentScore: result.CurrentScore,
		CurrentRank:  result.CurrentRank,
	}
	if result.Verdict != nil {
		resultData.Verdict = result.Verdict.Sanitized()
	}
	// The submitter's result is enqueued before the debounced leaderboard
	// broadcast can fire, preserving per-session ordering.
	_ = session.Send(EventSubmissionResult, resultData)

	p.orchestrator.RecordSubmission(contestID, session.UserID())
	p.scheduleLeaderboardBroadcast(contestID)

	logger.Debug("Processed submission",
		zap.String("contest_id", contestID.String()),
		zap.String("question_id", questionID.String()),
		zap.Bool("correct", result.IsCorrect))
}
