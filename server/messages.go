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
	"time"

	"github.com/gofrs/uuid"
)

// Incoming payloads.

type JoinContestData struct {
	ContestID string `json:"contestId"`
}

type SubmitAnswerData struct {
	QuestionID       string  `json:"questionId"`
	SelectedOptionID *string `json:"selectedOptionId,omitempty"`
	Code             *string `json:"code,omitempty"`
	Language         *string `json:"language,omitempty"`
	SubmittedAt      string  `json:"submittedAt,omitempty"`
}

type ResyncData struct {
	ContestID string `json:"contestId"`
}

type SubscribeLeaderboardData struct {
	ContestID string `json:"contestId"`
}

// Outgoing payloads.

type ErrorData struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ContestStartData struct {
	ContestID        uuid.UUID `json:"contestId"`
	Title            string    `json:"title"`
	StartAt          time.Time `json:"startAt"`
	EndAt            time.Time `json:"endAt"`
	TotalQuestions   int       `json:"totalQuestions"`
	CountdownToStart int       `json:"countdownToStart"`
}

// OptionPayload is an MCQ option as broadcast to participants. Correctness
// is never included.
type OptionPayload struct {
	ID   uuid.UUID `json:"id"`
	Text string    `json:"text"`
}

// QuestionPayload is a question as broadcast to participants. MCQ questions
// carry options without correctness; coding questions carry limits but never
// test cases.
type QuestionPayload struct {
	ID            uuid.UUID        `json:"id"`
	Type          QuestionType     `json:"type"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Difficulty    Difficulty       `json:"difficulty"`
	Points        int64            `json:"points"`
	TimeLimit     int              `json:"timeLimit"`
	FunctionName  *string          `json:"functionName,omitempty"`
	MemoryLimitMB *int             `json:"memoryLimitMb,omitempty"`
	Options       []*OptionPayload `json:"options,omitempty"`
}

type QuestionBroadcastData struct {
	Question       *QuestionPayload `json:"question"`
	QuestionNumber int              `json:"questionNumber"`
	TotalQuestions int              `json:"totalQuestions"`
	RemainingTime  int              `json:"remainingTime"`
}

type TimerUpdateData struct {
	QuestionID    uuid.UUID `json:"questionId"`
	RemainingTime int       `json:"remainingTime"`
}

type QuestionChangeData struct {
	NextQuestionNumber *int `json:"nextQuestionNumber"`
	GraceSeconds       int  `json:"graceSeconds"`
}

type TestCaseResultPayload struct {
	Index          int     `json:"index"`
	Passed         bool    `json:"passed"`
	IsHidden       bool    `json:"isHidden"`
	Input          *string `json:"input,omitempty"`
	ExpectedOutput *string `json:"expectedOutput,omitempty"`
	ActualOutput   *string `json:"actualOutput,omitempty"`
}

type VerdictPayload struct {
	Status          SubmissionStatus         `json:"status"`
	TestCasesPassed int                      `json:"testCasesPassed"`
	TestCasesTotal  int                      `json:"testCasesTotal"`
	RuntimeMs       int64                    `json:"runtimeMs"`
	MemoryKB        int64                    `json:"memoryKb"`
	TestCaseResults []*TestCaseResultPayload `json:"testCaseResults,omitempty"`
}

type SubmissionResultData struct {
	SubmissionID uuid.UUID       `json:"submissionId"`
	QuestionID   uuid.UUID       `json:"questionId"`
	IsCorrect    bool            `json:"isCorrect"`
	PointsEarned int64           `json:"pointsEarned"`
	TimeTaken    int             `json:"timeTaken"`
	CurrentScore int64           `json:"currentScore"`
	CurrentRank  int64           `json:"currentRank"`
	Verdict      *VerdictPayload `json:"verdict,omitempty"`
}

// LeaderboardEntry is one hydrated row of a live or final leaderboard view.
type LeaderboardEntry struct {
	Rank              int64     `json:"rank"`
	UserID            uuid.UUID `json:"userId"`
	Username          string    `json:"userName"`
	Score             int64     `json:"score"`
	QuestionsAnswered int       `json:"questionsAnswered"`
}

type LeaderboardUpdateData struct {
	ContestID         uuid.UUID           `json:"contestId"`
	Entries           []*LeaderboardEntry `json:"entries"`
	TotalParticipants int                 `json:"totalParticipants"`
	YourRank          *int64              `json:"yourRank,omitempty"`
	YourScore         *int64              `json:"yourScore,omitempty"`
}

type ContestEndData struct {
	ContestID   uuid.UUID           `json:"contestId"`
	Leaderboard []*LeaderboardEntry `json:"leaderboard,omitempty"`
	FinalRank   *int64              `json:"finalRank,omitempty"`
	FinalScore  *int64              `json:"finalScore,omitempty"`
}

type ContestSummary struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	StartAt          time.Time `json:"startAt"`
	EndAt            time.Time `json:"endAt"`
	State            string    `json:"state"`
	ParticipantCount int       `json:"participantCount"`
}

type ContestsUpdateData struct {
	Contests []*ContestSummary `json:"contests"`
}

type PongData struct {
	Timestamp time.Time `json:"timestamp"`
}
