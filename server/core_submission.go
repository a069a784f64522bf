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
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgtype"
	"go.uber.org/zap"
)

type SubmissionStatus string

const (
	SubmissionStatusAccepted            SubmissionStatus = "ACCEPTED"
	SubmissionStatusWrongAnswer         SubmissionStatus = "WRONG_ANSWER"
	SubmissionStatusTimeLimitExceeded   SubmissionStatus = "TIME_LIMIT_EXCEEDED"
	SubmissionStatusMemoryLimitExceeded SubmissionStatus = "MEMORY_LIMIT_EXCEEDED"
	SubmissionStatusRuntimeError        SubmissionStatus = "RUNTIME_ERROR"
	SubmissionStatusCompilationError    SubmissionStatus = "COMPILATION_ERROR"
)

// ErrSubmissionTerminal signals that a stored submission can no longer be
// regraded. MCQ rows are terminal once inserted, coding rows once accepted.
var ErrSubmissionTerminal = errors.New("submission is terminal")

type Submission struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	ContestID        uuid.UUID
	QuestionID       uuid.UUID
	SelectedOptionID *uuid.UUID
	Code             *string
	Language         *string
	Status           SubmissionStatus
	IsCorrect        bool
	PointsEarned     int64
	SubmittedAt      time.Time
	// ExecutionMetrics carries the full grader verdict for coding rows.
	ExecutionMetrics *GraderVerdict
}

// Terminal reports whether this row may no longer change its grading outcome.
func (s *Submission) Terminal(questionType QuestionType) bool {
	if questionType == QuestionTypeMCQ {
		return true
	}
	return s.IsCorrect
}

// UserScore is one user's recomputed standing, used to rebuild the rank
// cache from durable storage.
type UserScore struct {
	UserID uuid.UUID
	Score  int64
	// AchievedAt is when the user reached this score, the submit time of
	// their latest correct submission.
	AchievedAt time.Time
}

// SubmissionRepository is the durable store surface for submissions and the
// scoring transaction.
type SubmissionRepository interface {
	// Find returns the stored submission or (nil, nil) when absent.
	Find(ctx context.Context, userID, contestID, questionID uuid.UUID) (*Submission, error)
	// ListSubmittedUserIDs returns the users who have a submission for the
	// given question, used to preload the early-advancement set.
	ListSubmittedUserIDs(ctx context.Context, contestID, questionID uuid.UUID) ([]uuid.UUID, error)
	// ApplyGraded runs the scoring transaction: persist the graded row,
	// recompute the user's contest score from correct submissions, and write
	// it to the participant row. Returns the stored submission ID and the new
	// score. A lost insert race or a terminal existing row surfaces
	// ErrSubmissionTerminal, with the newest code text still saved for
	// terminal coding rows.
	ApplyGraded(ctx context.Context, sub *Submission, questionType QuestionType) (uuid.UUID, int64, error)
	// CountDistinctSubmitted returns how many distinct questions of the
	// contest the user has submitted to.
	CountDistinctSubmitted(ctx context.Context, contestID, userID uuid.UUID) (int, error)
	// CorrectCounts returns per-user counts of correct submissions.
	CorrectCounts(ctx context.Context, contestID uuid.UUID, userIDs []uuid.UUID) (map[uuid.UUID]int, error)
	// ScoreRows recomputes every participant's score from storage.
	ScoreRows(ctx context.Context, contestID uuid.UUID) ([]*UserScore, error)
}

type pgSubmissionRepository struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPgSubmissionRepository(logger *zap.Logger, db *sql.DB) SubmissionRepository {
	return &pgSubmissionRepository{logger: logger, db: db}
}

func (r *pgSubmissionRepository) Find(ctx context.Context, userID, contestID, questionID uuid.UUID) (*Submission, error) {
	sub := &Submission{UserID: userID, ContestID: contestID, QuestionID: questionID}
	var metrics pgtype.JSONB
	query := `
SELECT id, selected_option_id, code, language, status, is_correct, points_earned, submitted_at, execution_metrics
FROM submissions
WHERE user_id = $1 AND contest_id = $2 AND question_id = $3`
	err := r.db.QueryRowContext(ctx, query, userID, contestID, questionID).Scan(
		&sub.ID, &sub.SelectedOptionID, &sub.Code, &sub.Language, &sub.Status, &sub.IsCorrect, &sub.PointsEarned, &sub.SubmittedAt, &metrics)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()
	if metrics.Status == pgtype.Present {
		verdict := &GraderVerdict{}
		if err = json.Unmarshal(metrics.Bytes, verdict); err == nil {
			sub.ExecutionMetrics = verdict
		}
	}
	return sub, nil
}

func (r *pgSubmissionRepository) ListSubmittedUserIDs(ctx context.Context, contestID, questionID uuid.UUID) ([]uuid.UUID, error) {
	query := "SELECT user_id FROM submissions WHERE contest_id = $1 AND question_id = $2"
	rows, err := r.db.QueryContext(ctx, query, contestID, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	userIDs := make([]uuid.UUID, 0, 10)
	for rows.Next() {
		var userID uuid.UUID
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (r *pgSubmissionRepository) ApplyGraded(ctx context.Context, sub *Submission, questionType QuestionType) (uuid.UUID, int64, error) {
	var submissionID uuid.UUID
	var newScore int64

	metrics := pgtype.JSONB{Status: pgtype.Null}
	if sub.ExecutionMetrics != nil {
		raw, err := json.Marshal(sub.ExecutionMetrics)
		if err != nil {
			return uuid.Nil, 0, err
		}
		metrics = pgtype.JSONB{Bytes: raw, Status: pgtype.Present}
	}

	err := ExecuteInTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if questionType == QuestionTypeMCQ {
			// MCQ rows are insert-only, a duplicate loses the race.
			query := `
INSERT INTO submissions (id, user_id, contest_id, question_id, selected_option_id, status, is_correct, points_earned, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`
			submissionID = uuid.Must(uuid.NewV4())
			err = tx.QueryRowContext(ctx, query, submissionID, sub.UserID, sub.ContestID, sub.QuestionID, sub.SelectedOptionID, sub.Status, sub.IsCorrect, sub.PointsEarned, sub.SubmittedAt).Scan(&submissionID)
		} else {
			// Coding rows are upserted while not yet accepted. A terminal row
			// keeps its verdict and only saves the newest code text.
			query := `
INSERT INTO submissions (id, user_id, contest_id, question_id, code, language, status, is_correct, points_earned, submitted_at, execution_metrics)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, contest_id, question_id) DO UPDATE
SET code = EXCLUDED.code, language = EXCLUDED.language, status = EXCLUDED.status, is_correct = EXCLUDED.is_correct,
    points_earned = EXCLUDED.points_earned, submitted_at = EXCLUDED.submitted_at, execution_metrics = EXCLUDED.execution_metrics
WHERE submissions.is_correct = FALSE
RETURNING id`
			err = tx.QueryRowContext(ctx, query, uuid.Must(uuid.NewV4()), sub.UserID, sub.ContestID, sub.QuestionID, sub.Code, sub.Language, sub.Status, sub.IsCorrect, sub.PointsEarned, sub.SubmittedAt, &metrics).Scan(&submissionID)
			if err == sql.ErrNoRows {
				saveQuery := "UPDATE submissions SET code = $4, language = $5 WHERE user_id = $1 AND contest_id = $2 AND question_id = $3"
				if _, saveErr := tx.ExecContext(ctx, saveQuery, sub.UserID, sub.ContestID, sub.QuestionID, sub.Code, sub.Language); saveErr != nil {
					return saveErr
				}
				return ErrSubmissionTerminal
			}
		}
		if err != nil {
			return err
		}

		scoreQuery := `
SELECT COALESCE(SUM(q.points), 0)
FROM submissions s
JOIN questions q ON q.id = s.question_id
WHERE s.user_id = $1 AND s.contest_id = $2 AND s.is_correct = TRUE`
		if err = tx.QueryRowContext(ctx, scoreQuery, sub.UserID, sub.ContestID).Scan(&newScore); err != nil {
			return err
		}

		updateQuery := "UPDATE contest_participants SET score = $3 WHERE contest_id = $1 AND user_id = $2"
		_, err = tx.ExecContext(ctx, updateQuery, sub.ContestID, sub.UserID, newScore)
		return err
	})
	if err != nil {
		if IsUniqueViolation(err, "") {
			return uuid.Nil, 0, ErrSubmissionTerminal
		}
		return uuid.Nil, 0, err
	}
	return submissionID, newScore, nil
}

func (r *pgSubmissionRepository) CountDistinctSubmitted(ctx context.Context, contestID, userID uuid.UUID) (int, error) {
	var count int
	query := "SELECT COUNT(DISTINCT question_id) FROM submissions WHERE contest_id = $1 AND user_id = $2"
	err := r.db.QueryRowContext(ctx, query, contestID, userID).Scan(&count)
	return count, err
}

func (r *pgSubmissionRepository) CorrectCounts(ctx context.Context, contestID uuid.UUID, userIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}

	query := `
SELECT user_id, COUNT(1)
FROM submissions
WHERE contest_id = $1 AND user_id = ANY($2) AND is_correct = TRUE
GROUP BY user_id`
	rows, err := r.db.QueryContext(ctx, query, contestID, uuidArray(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID uuid.UUID
		var count int
		if err = rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		counts[userID] = count
	}
	return counts, rows.Err()
}

func (r *pgSubmissionRepository) ScoreRows(ctx context.Context, contestID uuid.UUID) ([]*UserScore, error) {
	query := `
SELECT user_id, COALESCE(SUM(q.points), 0), MAX(s.submitted_at)
FROM submissions s
JOIN questions q ON q.id = s.question_id
WHERE s.contest_id = $1 AND s.is_correct = TRUE
GROUP BY user_id`
	rows, err := r.db.QueryContext(ctx, query, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make([]*UserScore, 0, 10)
	for rows.Next() {
		score := &UserScore{}
		if err = rows.Scan(&score.UserID, &score.Score, &score.AchievedAt); err != nil {
			return nil, err
		}
		score.AchievedAt = score.AchievedAt.UTC()
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// SubmitRequest is one answer submission after session-level validation. The
// question is the orchestrator's current question for the contest and
// TimeTakenSec measures from its broadcast.
type SubmitRequest struct {
	ContestID        uuid.UUID
	UserID           uuid.UUID
	Username         string
	Question         *Question
	SelectedOptionID *string
	Code             *string
	Language         *string
	TimeTakenSec     int
}

// SubmitResult mirrors the submission_result payload.
type SubmitResult struct {
	SubmissionID uuid.UUID
	IsCorrect    bool
	PointsEarned int64
	TimeTaken    int
	CurrentScore int64
	CurrentRank  int64
	Verdict      *GraderVerdict
}

// SubmissionProcessor grades answers and owns the scoring pipeline.
type SubmissionProcessor struct {
	logger      *zap.Logger
	clock       Clock
	contests    ContestRepository
	submissions SubmissionRepository
	grader      CodeGrader
	rankCache   LeaderboardRankCache
	metrics     *Metrics
}

func NewSubmissionProcessor(logger *zap.Logger, clock Clock, contests ContestRepository, submissions SubmissionRepository, grader CodeGrader, rankCache LeaderboardRankCache, metrics *Metrics) *SubmissionProcessor {
	return &SubmissionProcessor{
		logger:      logger,
		clock:       clock,
		contests:    contests,
		submissions: submissions,
		grader:      grader,
		rankCache:   rankCache,
		metrics:     metrics,
	}
}

// Submit validates, grades and persists one answer. Returned errors are
// TypedError values ready for the wire. An unreachable grader still persists
// a RUNTIME_ERROR row before surfacing SERVER_ERROR.
func (p *SubmissionProcessor) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	started := p.clock.Monotonic()

	contest, err := p.contests.GetContest(ctx, req.ContestID)
	if err != nil {
		p.logger.Error("Could not read contest for submission", zap.Error(err))
		return nil, ErrServerError
	}
	if contest == nil {
		return nil, ErrContestNotFound
	}
	if contest.StateAt(p.clock.Now()) != ContestStateActive {
		return nil, ErrContestNotActive
	}

	isParticipant, err := p.contests.IsParticipant(ctx, req.ContestID, req.UserID)
	if err != nil {
		p.logger.Error("Could not check contest membership", zap.Error(err))
		return nil, ErrServerError
	}
	if !isParticipant {
		return nil, ErrNotParticipant
	}

	existing, err := p.submissions.Find(ctx, req.UserID, req.ContestID, req.Question.ID)
	if err != nil {
		p.logger.Error("Could not read existing submission", zap.Error(err))
		return nil, ErrServerError
	}
	if existing != nil && existing.Terminal(req.Question.Type) {
		return nil, ErrAlreadySubmitted
	}

	sub := &Submission{
		UserID:      req.UserID,
		ContestID:   req.ContestID,
		QuestionID:  req.Question.ID,
		SubmittedAt: p.clock.Now(),
	}

	var graderUnreachable bool
	switch req.Question.Type {
	case QuestionTypeMCQ:
		if req.SelectedOptionID == nil {
			return nil, ErrInvalidOption
		}
		optionID, parseErr := uuid.FromString(*req.SelectedOptionID)
		if parseErr != nil {
			return nil, ErrInvalidOption
		}
		option := req.Question.Option(optionID)
		if option == nil {
			return nil, ErrInvalidOption
		}
		sub.SelectedOptionID = &optionID
		sub.IsCorrect = option.IsCorrect
		if option.IsCorrect {
			sub.Status = SubmissionStatusAccepted
			sub.PointsEarned = req.Question.Points
		} else {
			sub.Status = SubmissionStatusWrongAnswer
		}

	case QuestionTypeCoding:
		if req.Code == nil || *req.Code == "" || req.Language == nil {
			return nil, &TypedError{Code: ErrorCodeInvalidEvent, Message: "Coding submission requires code and language"}
		}
		sub.Code = req.Code
		sub.Language = req.Language

		verdict, gradeErr := p.grader.Grade(ctx, req.Question, *req.Code, *req.Language)
		if gradeErr != nil {
			// The engine could not be reached. Record the attempt so the
			// question still counts as submitted, then surface the failure.
			p.logger.Error("Code execution engine unavailable", zap.Error(gradeErr))
			graderUnreachable = true
			verdict = &GraderVerdict{Status: SubmissionStatusRuntimeError}
		}
		sub.Status = verdict.Status
		sub.IsCorrect = verdict.Accepted()
		if sub.IsCorrect {
			sub.PointsEarned = req.Question.Points
		}
		sub.ExecutionMetrics = verdict

	default:
		return nil, ErrInvalidQuestion
	}

	submissionID, newScore, err := p.submissions.ApplyGraded(ctx, sub, req.Question.Type)
	if err != nil {
		if errors.Is(err, ErrSubmissionTerminal) {
			return nil, ErrAlreadySubmitted
		}
		p.logger.Error("Could not persist graded submission", zap.Error(err))
		return nil, ErrServerError
	}

	if graderUnreachable {
		// The attempt is durably recorded, return it alongside the failure
		// so the caller can still count the submission.
		return &SubmitResult{
			SubmissionID: submissionID,
			TimeTaken:    req.TimeTakenSec,
			CurrentScore: newScore,
		}, ErrServerError
	}

	achievedAt := sub.SubmittedAt.UnixMilli()
	rank := p.rankCache.UpdateScore(req.ContestID, req.UserID, req.Username, newScore, achievedAt)

	p.metrics.SubmissionLatency(string(req.Question.Type), p.clock.Monotonic()-started)
	p.metrics.CountSubmission(string(req.Question.Type), sub.IsCorrect)

	result := &SubmitResult{
		SubmissionID: submissionID,
		IsCorrect:    sub.IsCorrect,
		PointsEarned: sub.PointsEarned,
		TimeTaken:    req.TimeTakenSec,
		CurrentScore: newScore,
		CurrentRank:  rank,
	}
	if req.Question.Type == QuestionTypeCoding {
		result.Verdict = sub.ExecutionMetrics
	}
	return result, nil
}
