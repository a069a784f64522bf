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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submissionFixture struct {
	clock       *fakeClock
	contests    *fakeContestRepo
	submissions *fakeSubmissionRepo
	grader      *fakeGrader
	rankCache   LeaderboardRankCache
	processor   *SubmissionProcessor

	contestID uuid.UUID
	userID    uuid.UUID
	mcq       *Question
	coding    *Question
}

func newSubmissionFixture(t *testing.T) *submissionFixture {
	t.Helper()

	f := &submissionFixture{
		clock:       newFakeClock(),
		contests:    newFakeContestRepo(),
		submissions: newFakeSubmissionRepo(),
		grader:      &fakeGrader{},
		rankCache:   NewLocalLeaderboardRankCache(),
		contestID:   uuid.Must(uuid.NewV4()),
		userID:      uuid.Must(uuid.NewV4()),
	}

	now := f.clock.Now()
	f.contests.contests[f.contestID] = &Contest{
		ID:      f.contestID,
		Title:   "Weekly Clash",
		StartAt: now.Add(-time.Minute),
		EndAt:   now.Add(time.Hour),
	}
	f.contests.participants[f.contestID] = []*Participant{
		{UserID: f.userID, Username: "alice", JoinedAt: now.Add(-time.Minute)},
	}

	f.mcq = &Question{
		ID:           uuid.Must(uuid.NewV4()),
		Type:         QuestionTypeMCQ,
		Title:        "Pick one",
		Points:       100,
		TimeLimitSec: 30,
		Options: []*Option{
			{ID: uuid.Must(uuid.NewV4()), Text: "wrong"},
			{ID: uuid.Must(uuid.NewV4()), Text: "right", IsCorrect: true},
		},
	}
	f.coding = &Question{
		ID:           uuid.Must(uuid.NewV4()),
		Type:         QuestionTypeCoding,
		Title:        "Reverse a list",
		Points:       200,
		TimeLimitSec: 300,
	}

	f.processor = NewSubmissionProcessor(testLogger, f.clock, f.contests, f.submissions, f.grader, f.rankCache, newTestMetrics())
	return f
}

func (f *submissionFixture) mcqRequest(optionID uuid.UUID) *SubmitRequest {
	option := optionID.String()
	return &SubmitRequest{
		ContestID:        f.contestID,
		UserID:           f.userID,
		Username:         "alice",
		Question:         f.mcq,
		SelectedOptionID: &option,
		TimeTakenSec:     5,
	}
}

func (f *submissionFixture) codingRequest(code string) *SubmitRequest {
	language := "python"
	return &SubmitRequest{
		ContestID:    f.contestID,
		UserID:       f.userID,
		Username:     "alice",
		Question:     f.coding,
		Code:         &code,
		Language:     &language,
		TimeTakenSec: 42,
	}
}

func TestSubmitMCQCorrect(t *testing.T) {
	f := newSubmissionFixture(t)

	result, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	require.NoError(t, err)
	assert.True(t, result.IsCorrect)
	assert.Equal(t, int64(100), result.PointsEarned)
	assert.Equal(t, int64(100), result.CurrentScore)
	assert.Equal(t, int64(1), result.CurrentRank)
	assert.Equal(t, 5, result.TimeTaken)
	assert.Nil(t, result.Verdict)

	stored, err := f.submissions.Find(context.Background(), f.userID, f.contestID, f.mcq.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, SubmissionStatusAccepted, stored.Status)
	assert.Equal(t, result.SubmissionID, stored.ID)
}

func TestSubmitMCQWrongEarnsNothing(t *testing.T) {
	f := newSubmissionFixture(t)

	result, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[0].ID))
	require.NoError(t, err)
	assert.False(t, result.IsCorrect)
	assert.Equal(t, int64(0), result.PointsEarned)
	assert.Equal(t, int64(0), result.CurrentScore)
}

func TestSubmitMCQDuplicateRejected(t *testing.T) {
	f := newSubmissionFixture(t)

	_, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[0].ID))
	require.NoError(t, err)

	// Even a wrong MCQ answer is terminal, a second attempt must not regrade.
	_, err = f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	assert.Equal(t, ErrAlreadySubmitted, err)

	stored, _ := f.submissions.Find(context.Background(), f.userID, f.contestID, f.mcq.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.IsCorrect)
}

func TestSubmitMCQInsertRaceNormalized(t *testing.T) {
	f := newSubmissionFixture(t)

	_, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	require.NoError(t, err)

	// A concurrent submit can pass the Find check before the first insert
	// lands. The storage conflict must surface as ALREADY_SUBMITTED.
	f.submissions.hideFromFind = true
	_, err = f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	assert.Equal(t, ErrAlreadySubmitted, err)
}

func TestSubmitMCQInvalidOption(t *testing.T) {
	f := newSubmissionFixture(t)

	_, err := f.processor.Submit(context.Background(), f.mcqRequest(uuid.Must(uuid.NewV4())))
	assert.Equal(t, ErrInvalidOption, err)

	badFormat := "not-a-uuid"
	req := f.mcqRequest(f.mcq.Options[1].ID)
	req.SelectedOptionID = &badFormat
	_, err = f.processor.Submit(context.Background(), req)
	assert.Equal(t, ErrInvalidOption, err)

	req = f.mcqRequest(f.mcq.Options[1].ID)
	req.SelectedOptionID = nil
	_, err = f.processor.Submit(context.Background(), req)
	assert.Equal(t, ErrInvalidOption, err)
}

func TestSubmitNonParticipantRejected(t *testing.T) {
	f := newSubmissionFixture(t)

	req := f.mcqRequest(f.mcq.Options[1].ID)
	req.UserID = uuid.Must(uuid.NewV4())
	_, err := f.processor.Submit(context.Background(), req)
	assert.Equal(t, ErrNotParticipant, err)
}

func TestSubmitOutsideContestWindowRejected(t *testing.T) {
	f := newSubmissionFixture(t)

	contest := f.contests.contests[f.contestID]
	contest.StartAt = f.clock.Now().Add(time.Hour)
	contest.EndAt = f.clock.Now().Add(2 * time.Hour)

	_, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	assert.Equal(t, ErrContestNotActive, err)
}

func TestSubmitContestNotFound(t *testing.T) {
	f := newSubmissionFixture(t)

	req := f.mcqRequest(f.mcq.Options[1].ID)
	req.ContestID = uuid.Must(uuid.NewV4())
	_, err := f.processor.Submit(context.Background(), req)
	assert.Equal(t, ErrContestNotFound, err)
}

func TestSubmitCodingRetryUntilAccepted(t *testing.T) {
	f := newSubmissionFixture(t)

	f.grader.verdict = &GraderVerdict{Status: SubmissionStatusWrongAnswer, TestCasesPassed: 1, TestCasesTotal: 3}
	result, err := f.processor.Submit(context.Background(), f.codingRequest("attempt one"))
	require.NoError(t, err)
	assert.False(t, result.IsCorrect)
	require.NotNil(t, result.Verdict)
	assert.Equal(t, SubmissionStatusWrongAnswer, result.Verdict.Status)

	// A failed coding submission is not terminal, regrading is allowed.
	f.grader.verdict = &GraderVerdict{Status: SubmissionStatusAccepted, TestCasesPassed: 3, TestCasesTotal: 3}
	result, err = f.processor.Submit(context.Background(), f.codingRequest("attempt two"))
	require.NoError(t, err)
	assert.True(t, result.IsCorrect)
	assert.Equal(t, int64(200), result.PointsEarned)
	assert.Equal(t, int64(200), result.CurrentScore)

	// Accepted is terminal. The outcome stays, only the code text is saved.
	f.grader.verdict = &GraderVerdict{Status: SubmissionStatusWrongAnswer}
	_, err = f.processor.Submit(context.Background(), f.codingRequest("attempt three"))
	assert.Equal(t, ErrAlreadySubmitted, err)

	stored, _ := f.submissions.Find(context.Background(), f.userID, f.contestID, f.coding.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.IsCorrect)
	require.NotNil(t, stored.Code)
	assert.Equal(t, "attempt three", *stored.Code)
}

func TestSubmitCodingMissingCode(t *testing.T) {
	f := newSubmissionFixture(t)

	req := f.codingRequest("")
	_, err := f.processor.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, ErrorCodeInvalidEvent, AsTypedError(err).Code)
}

func TestSubmitGraderUnavailableStillRecordsAttempt(t *testing.T) {
	f := newSubmissionFixture(t)

	f.grader.err = ErrGraderUnavailable
	result, err := f.processor.Submit(context.Background(), f.codingRequest("print('hi')"))
	assert.Equal(t, ErrServerError, err)

	// The attempt is durably recorded so the question still counts as
	// submitted for early advancement.
	require.NotNil(t, result)
	assert.NotEqual(t, uuid.Nil, result.SubmissionID)

	stored, _ := f.submissions.Find(context.Background(), f.userID, f.contestID, f.coding.ID)
	require.NotNil(t, stored)
	assert.Equal(t, SubmissionStatusRuntimeError, stored.Status)
	assert.False(t, stored.IsCorrect)

	// The engine coming back allows a clean regrade.
	f.grader.err = nil
	f.grader.verdict = &GraderVerdict{Status: SubmissionStatusAccepted, TestCasesPassed: 1, TestCasesTotal: 1}
	retry, err := f.processor.Submit(context.Background(), f.codingRequest("print('hi')"))
	require.NoError(t, err)
	assert.True(t, retry.IsCorrect)
}

func TestSubmitScoreAccumulatesAcrossQuestions(t *testing.T) {
	f := newSubmissionFixture(t)

	_, err := f.processor.Submit(context.Background(), f.mcqRequest(f.mcq.Options[1].ID))
	require.NoError(t, err)

	f.grader.verdict = &GraderVerdict{Status: SubmissionStatusAccepted, TestCasesPassed: 1, TestCasesTotal: 1}
	result, err := f.processor.Submit(context.Background(), f.codingRequest("solution"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), result.CurrentScore)

	rank, ok := f.rankCache.GetRank(f.contestID, f.userID)
	require.True(t, ok)
	assert.Equal(t, int64(1), rank)
}
