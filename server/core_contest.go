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
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgtype"
	"go.uber.org/zap"
)

// ContestState is the runtime state of a contest, always derived fresh from
// the current time and the contest window. The persisted status column is
// advisory only and never consulted for authorization decisions.
type ContestState int

const (
	ContestStateUpcoming ContestState = iota
	ContestStateActive
	ContestStateCompleted
)

func (s ContestState) String() string {
	switch s {
	case ContestStateUpcoming:
		return "UPCOMING"
	case ContestStateActive:
		return "ACTIVE"
	case ContestStateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ContestStateAt derives the contest state at the given instant. The end
// boundary is inclusive, a contest at exactly endAt is still active.
func ContestStateAt(now, startAt, endAt time.Time) ContestState {
	if now.Before(startAt) {
		return ContestStateUpcoming
	}
	if now.After(endAt) {
		return ContestStateCompleted
	}
	return ContestStateActive
}

type QuestionType string

const (
	QuestionTypeMCQ    QuestionType = "MCQ"
	QuestionTypeCoding QuestionType = "CODING"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

type Contest struct {
	ID          uuid.UUID
	Title       string
	Description string
	StartAt     time.Time
	EndAt       time.Time
	// Status is the stored advisory status, see ContestStateAt.
	Status string
}

// StateAt derives the runtime state of this contest at the given instant.
func (c *Contest) StateAt(now time.Time) ContestState {
	return ContestStateAt(now, c.StartAt, c.EndAt)
}

type Option struct {
	ID        uuid.UUID
	Text      string
	IsCorrect bool
}

type TestCase struct {
	ID             uuid.UUID
	Input          string
	ExpectedOutput string
	IsHidden       bool
}

type Question struct {
	ID            uuid.UUID
	Type          QuestionType
	Title         string
	Description   string
	Difficulty    Difficulty
	Points        int64
	TimeLimitSec  int
	FunctionName  *string
	MemoryLimitMB *int
	Options       []*Option
	TestCases     []*TestCase
}

// Payload builds the broadcast form of the question, stripped of grading
// material. Options never carry correctness, test cases are never included.
func (q *Question) Payload() *QuestionPayload {
	payload := &QuestionPayload{
		ID:            q.ID,
		Type:          q.Type,
		Title:         q.Title,
		Description:   q.Description,
		Difficulty:    q.Difficulty,
		Points:        q.Points,
		TimeLimit:     q.TimeLimitSec,
		FunctionName:  q.FunctionName,
		MemoryLimitMB: q.MemoryLimitMB,
	}
	if q.Type == QuestionTypeMCQ {
		payload.Options = make([]*OptionPayload, 0, len(q.Options))
		for _, option := range q.Options {
			payload.Options = append(payload.Options, &OptionPayload{ID: option.ID, Text: option.Text})
		}
	}
	return payload
}

// Option returns the option with the given ID, or nil.
func (q *Question) Option(id uuid.UUID) *Option {
	for _, option := range q.Options {
		if option.ID == id {
			return option
		}
	}
	return nil
}

// Participant is a row of contest membership.
type Participant struct {
	UserID   uuid.UUID
	Username string
	Score    int64
	JoinedAt time.Time
}

// ContestRepository is the durable store surface for contests and their
// questions. Lookup misses return (nil, nil) rather than an error.
type ContestRepository interface {
	GetContest(ctx context.Context, id uuid.UUID) (*Contest, error)
	ListContests(ctx context.Context) ([]*Contest, error)
	// GetOrderedQuestions returns the contest's questions in broadcast order
	// with options and test cases attached.
	GetOrderedQuestions(ctx context.Context, contestID uuid.UUID) ([]*Question, error)
	CountParticipants(ctx context.Context, contestID uuid.UUID) (int, error)
	IsParticipant(ctx context.Context, contestID, userID uuid.UUID) (bool, error)
	ListParticipants(ctx context.Context, contestID uuid.UUID) ([]*Participant, error)
	// GetUsernames resolves display names for the given user IDs.
	GetUsernames(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]string, error)
	// UpdateContestStatus writes the advisory status column.
	UpdateContestStatus(ctx context.Context, contestID uuid.UUID, status string) error
}

type pgContestRepository struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPgContestRepository(logger *zap.Logger, db *sql.DB) ContestRepository {
	return &pgContestRepository{logger: logger, db: db}
}

func (r *pgContestRepository) GetContest(ctx context.Context, id uuid.UUID) (*Contest, error) {
	contest := &Contest{ID: id}
	query := "SELECT title, description, start_at, end_at, status FROM contests WHERE id = $1"
	err := r.db.QueryRowContext(ctx, query, id).Scan(&contest.Title, &contest.Description, &contest.StartAt, &contest.EndAt, &contest.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	contest.StartAt = contest.StartAt.UTC()
	contest.EndAt = contest.EndAt.UTC()
	return contest, nil
}

func (r *pgContestRepository) ListContests(ctx context.Context) ([]*Contest, error) {
	query := "SELECT id, title, description, start_at, end_at, status FROM contests ORDER BY start_at ASC"
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contests := make([]*Contest, 0, 10)
	for rows.Next() {
		contest := &Contest{}
		if err = rows.Scan(&contest.ID, &contest.Title, &contest.Description, &contest.StartAt, &contest.EndAt, &contest.Status); err != nil {
			return nil, err
		}
		contest.StartAt = contest.StartAt.UTC()
		contest.EndAt = contest.EndAt.UTC()
		contests = append(contests, contest)
	}
	return contests, rows.Err()
}

func (r *pgContestRepository) GetOrderedQuestions(ctx context.Context, contestID uuid.UUID) ([]*Question, error) {
	query := `
SELECT q.id, q.type, q.title, q.description, q.difficulty, q.points, q.time_limit_sec, q.function_name, q.memory_limit_mb
FROM contest_questions cq
JOIN questions q ON q.id = cq.question_id
WHERE cq.contest_id = $1
ORDER BY cq.position ASC`
	rows, err := r.db.QueryContext(ctx, query, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := make([]*Question, 0, 10)
	byID := make(map[uuid.UUID]*Question, 10)
	for rows.Next() {
		q := &Question{}
		if err = rows.Scan(&q.ID, &q.Type, &q.Title, &q.Description, &q.Difficulty, &q.Points, &q.TimeLimitSec, &q.FunctionName, &q.MemoryLimitMB); err != nil {
			return nil, err
		}
		questions = append(questions, q)
		byID[q.ID] = q
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return questions, nil
	}

	ids := make([]uuid.UUID, 0, len(questions))
	for _, q := range questions {
		ids = append(ids, q.ID)
	}

	if err = r.attachOptions(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err = r.attachTestCases(ctx, byID, ids); err != nil {
		return nil, err
	}
	return questions, nil
}

func (r *pgContestRepository) attachOptions(ctx context.Context, byID map[uuid.UUID]*Question, ids []uuid.UUID) error {
	query := "SELECT question_id, id, text, is_correct FROM question_options WHERE question_id = ANY($1) ORDER BY ordinal ASC"
	rows, err := r.db.QueryContext(ctx, query, uuidArray(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var questionID uuid.UUID
		option := &Option{}
		if err = rows.Scan(&questionID, &option.ID, &option.Text, &option.IsCorrect); err != nil {
			return err
		}
		if q, ok := byID[questionID]; ok {
			q.Options = append(q.Options, option)
		}
	}
	return rows.Err()
}

func (r *pgContestRepository) attachTestCases(ctx context.Context, byID map[uuid.UUID]*Question, ids []uuid.UUID) error {
	query := "SELECT question_id, id, input, expected_output, is_hidden FROM test_cases WHERE question_id = ANY($1) ORDER BY ordinal ASC"
	rows, err := r.db.QueryContext(ctx, query, uuidArray(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var questionID uuid.UUID
		tc := &TestCase{}
		if err = rows.Scan(&questionID, &tc.ID, &tc.Input, &tc.ExpectedOutput, &tc.IsHidden); err != nil {
			return err
		}
		if q, ok := byID[questionID]; ok {
			q.TestCases = append(q.TestCases, tc)
		}
	}
	return rows.Err()
}

func (r *pgContestRepository) CountParticipants(ctx context.Context, contestID uuid.UUID) (int, error) {
	var count int
	query := "SELECT COUNT(1) FROM contest_participants WHERE contest_id = $1"
	err := r.db.QueryRowContext(ctx, query, contestID).Scan(&count)
	return count, err
}

func (r *pgContestRepository) IsParticipant(ctx context.Context, contestID, userID uuid.UUID) (bool, error) {
	var one int
	query := "SELECT 1 FROM contest_participants WHERE contest_id = $1 AND user_id = $2"
	err := r.db.QueryRowContext(ctx, query, contestID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *pgContestRepository) ListParticipants(ctx context.Context, contestID uuid.UUID) ([]*Participant, error) {
	query := `
SELECT cp.user_id, u.username, cp.score, cp.joined_at
FROM contest_participants cp
JOIN users u ON u.id = cp.user_id
WHERE cp.contest_id = $1`
	rows, err := r.db.QueryContext(ctx, query, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]*Participant, 0, 10)
	for rows.Next() {
		p := &Participant{}
		if err = rows.Scan(&p.UserID, &p.Username, &p.Score, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.JoinedAt = p.JoinedAt.UTC()
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *pgContestRepository) GetUsernames(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	usernames := make(map[uuid.UUID]string, len(userIDs))
	if len(userIDs) == 0 {
		return usernames, nil
	}

	query := "SELECT id, username FROM users WHERE id = ANY($1)"
	rows, err := r.db.QueryContext(ctx, query, uuidArray(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var username string
		if err = rows.Scan(&id, &username); err != nil {
			return nil, err
		}
		usernames[id] = username
	}
	return usernames, rows.Err()
}

func (r *pgContestRepository) UpdateContestStatus(ctx context.Context, contestID uuid.UUID, status string) error {
	query := "UPDATE contests SET status = $2, updated_at = now() WHERE id = $1"
	_, err := r.db.ExecContext(ctx, query, contestID, status)
	return err
}

// uuidArray renders UUIDs as an array query parameter.
func uuidArray(ids []uuid.UUID) *pgtype.UUIDArray {
	strs := make([]string, 0, len(ids))
	for _, id := range ids {
		strs = append(strs, id.String())
	}
	arr := &pgtype.UUIDArray{}
	_ = arr.Set(strs)
	return arr
}
