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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// SnapshotRow is one durable final-leaderboard row.
type SnapshotRow struct {
	ContestID uuid.UUID
	UserID    uuid.UUID
	Username  string
	Rank      int64
	Score     int64
}

// LeaderboardSnapshotRepository stores the durable end-of-contest standings.
type LeaderboardSnapshotRepository interface {
	// UpsertMany writes snapshot rows idempotently, keyed (contest, user).
	UpsertMany(ctx context.Context, rows []*SnapshotRow) error
	GetSnapshot(ctx context.Context, contestID uuid.UUID) ([]*SnapshotRow, error)
	GetUserSnapshot(ctx context.Context, contestID, userID uuid.UUID) (*SnapshotRow, error)
	// MarkFinalized flips the contest's leaderboard_finalized flag.
	MarkFinalized(ctx context.Context, contestID uuid.UUID) error
}

type pgLeaderboardSnapshotRepository struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPgLeaderboardSnapshotRepository(logger *zap.Logger, db *sql.DB) LeaderboardSnapshotRepository {
	return &pgLeaderboardSnapshotRepository{logger: logger, db: db}
}

func (r *pgLeaderboardSnapshotRepository) UpsertMany(ctx context.Context, rows []*SnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}
	return ExecuteInTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `
INSERT INTO leaderboard_snapshots (contest_id, user_id, rank, score, created_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (contest_id, user_id) DO UPDATE SET rank = EXCLUDED.rank, score = EXCLUDED.score`
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, query, row.ContestID, row.UserID, row.Rank, row.Score); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *pgLeaderboardSnapshotRepository) GetSnapshot(ctx context.Context, contestID uuid.UUID) ([]*SnapshotRow, error) {
	query := `
SELECT ls.user_id, u.username, ls.rank, ls.score
FROM leaderboard_snapshots ls
JOIN users u ON u.id = ls.user_id
WHERE ls.contest_id = $1
ORDER BY ls.rank ASC`
	rows, err := r.db.QueryContext(ctx, query, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make([]*SnapshotRow, 0, 10)
	for rows.Next() {
		row := &SnapshotRow{ContestID: contestID}
		if err = rows.Scan(&row.UserID, &row.Username, &row.Rank, &row.Score); err != nil {
			return nil, err
		}
		snapshot = append(snapshot, row)
	}
	return snapshot, rows.Err()
}

func (r *pgLeaderboardSnapshotRepository) GetUserSnapshot(ctx context.Context, contestID, userID uuid.UUID) (*SnapshotRow, error) {
	row := &SnapshotRow{ContestID: contestID, UserID: userID}
	query := `
SELECT u.username, ls.rank, ls.score
FROM leaderboard_snapshots ls
JOIN users u ON u.id = ls.user_id
WHERE ls.contest_id = $1 AND ls.user_id = $2`
	err := r.db.QueryRowContext(ctx, query, contestID, userID).Scan(&row.Username, &row.Rank, &row.Score)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

func (r *pgLeaderboardSnapshotRepository) MarkFinalized(ctx context.Context, contestID uuid.UUID) error {
	query := "UPDATE contests SET leaderboard_finalized = TRUE, updated_at = now() WHERE id = $1"
	_, err := r.db.ExecContext(ctx, query, contestID)
	return err
}

// LeaderboardTopN reads the contest's live top entries and hydrates them with
// per-user correct-answer counts.
func LeaderboardTopN(ctx context.Context, logger *zap.Logger, rankCache LeaderboardRankCache, submissions SubmissionRepository, contestID uuid.UUID, limit int) []*LeaderboardEntry {
	ranked := rankCache.TopN(contestID, limit)
	if len(ranked) == 0 {
		return []*LeaderboardEntry{}
	}

	userIDs := make([]uuid.UUID, 0, len(ranked))
	for _, entry := range ranked {
		userIDs = append(userIDs, entry.UserID)
	}
	counts, err := submissions.CorrectCounts(ctx, contestID, userIDs)
	if err != nil {
		// Standings are still useful without the counts.
		logger.Warn("Could not hydrate correct-answer counts", zap.Error(err))
		counts = map[uuid.UUID]int{}
	}

	entries := make([]*LeaderboardEntry, 0, len(ranked))
	for _, entry := range ranked {
		entries = append(entries, &LeaderboardEntry{
			Rank:              entry.Rank,
			UserID:            entry.UserID,
			Username:          entry.Username,
			Score:             entry.Score,
			QuestionsAnswered: counts[entry.UserID],
		})
	}
	return entries
}

// RebuildRankCache repopulates a contest's rank cache from durable storage.
// Every participant is seeded at score 0 with achievedAt from their join
// time, then overwritten from their correct submissions, so users with no
// score still appear in standings and snapshots after a restart.
func RebuildRankCache(ctx context.Context, logger *zap.Logger, rankCache LeaderboardRankCache, contests ContestRepository, submissions SubmissionRepository, contestID uuid.UUID) error {
	participants, err := contests.ListParticipants(ctx, contestID)
	if err != nil {
		return err
	}
	for _, participant := range participants {
		rankCache.UpdateScore(contestID, participant.UserID, participant.Username, 0, participant.JoinedAt.UnixMilli())
	}

	scores, err := submissions.ScoreRows(ctx, contestID)
	if err != nil {
		return err
	}
	usernames := make(map[uuid.UUID]string, len(participants))
	for _, participant := range participants {
		usernames[participant.UserID] = participant.Username
	}
	for _, score := range scores {
		rankCache.UpdateScore(contestID, score.UserID, usernames[score.UserID], score.Score, score.AchievedAt.UnixMilli())
	}

	logger.Info("Rebuilt leaderboard rank cache", zap.String("contest_id", contestID.String()),
		zap.Int("participants", len(participants)), zap.Int("scored", len(scores)))
	return nil
}

// PersistLeaderboard writes the final standings snapshot. Rebuilds the rank
// cache first when it is empty, so a contest ending right after a restart
// still snapshots every participant. Idempotent, re-running writes the same
// rows.
func PersistLeaderboard(ctx context.Context, logger *zap.Logger, rankCache LeaderboardRankCache, contests ContestRepository, submissions SubmissionRepository, snapshots LeaderboardSnapshotRepository, contestID uuid.UUID) error {
	if rankCache.TotalParticipants(contestID) == 0 {
		if err := RebuildRankCache(ctx, logger, rankCache, contests, submissions, contestID); err != nil {
			return err
		}
	}

	standings := rankCache.All(contestID)
	rows := make([]*SnapshotRow, 0, len(standings))
	for _, entry := range standings {
		rows = append(rows, &SnapshotRow{
			ContestID: contestID,
			UserID:    entry.UserID,
			Username:  entry.Username,
			Rank:      entry.Rank,
			Score:     entry.Score,
		})
	}

	if err := snapshots.UpsertMany(ctx, rows); err != nil {
		return err
	}
	if err := snapshots.MarkFinalized(ctx, contestID); err != nil {
		return err
	}

	logger.Info("Persisted final leaderboard", zap.String("contest_id", contestID.String()), zap.Int("rows", len(rows)))
	return nil
}
