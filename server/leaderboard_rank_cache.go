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
	"sync"

	"github.com/codeclash/codeclash/internal/rank"
	"github.com/gofrs/uuid"
)

// RankedEntry is one positioned row read out of the rank cache.
type RankedEntry struct {
	Rank     int64
	UserID   uuid.UUID
	Username string
	Score    int64
}

// LeaderboardRankCache holds the live standings of every running contest in
// a sorted in-memory index. Order: score desc, then first to reach the score,
// then userID. Writes are single-key and safe for concurrent use.
type LeaderboardRankCache interface {
	// UpdateScore overwrites the user's score and returns their new 1-based
	// rank. Writing an unchanged score keeps the original achievedAt so the
	// user does not lose a tiebreak they already won.
	UpdateScore(contestID, userID uuid.UUID, username string, score, achievedAtMs int64) int64
	GetRank(contestID, userID uuid.UUID) (int64, bool)
	TopN(contestID uuid.UUID, limit int) []*RankedEntry
	TotalParticipants(contestID uuid.UUID) int
	// All returns the full standings in rank order.
	All(contestID uuid.UUID) []*RankedEntry
	DeleteContest(contestID uuid.UUID)
}

type contestRankCache struct {
	owners    map[uuid.UUID]*rank.Entry
	usernames map[uuid.UUID]string
	list      *rank.List
}

type LocalLeaderboardRankCache struct {
	sync.RWMutex
	cache map[uuid.UUID]*contestRankCache
}

func NewLocalLeaderboardRankCache() LeaderboardRankCache {
	return &LocalLeaderboardRankCache{
		cache: make(map[uuid.UUID]*contestRankCache),
	}
}

func (c *LocalLeaderboardRankCache) UpdateScore(contestID, userID uuid.UUID, username string, score, achievedAtMs int64) int64 {
	c.Lock()
	defer c.Unlock()

	contestCache, ok := c.cache[contestID]
	if !ok {
		contestCache = &contestRankCache{
			owners:    make(map[uuid.UUID]*rank.Entry),
			usernames: make(map[uuid.UUID]string),
			list:      rank.New(),
		}
		c.cache[contestID] = contestCache
	}
	contestCache.usernames[userID] = username

	if existing, ok := contestCache.owners[userID]; ok {
		if existing.Score == score {
			return int64(contestCache.list.Rank(existing))
		}
		contestCache.list.Delete(existing)
	}

	entry := &rank.Entry{UserID: userID, Score: score, AchievedAt: achievedAtMs}
	contestCache.owners[userID] = entry
	contestCache.list.Insert(entry)
	return int64(contestCache.list.Rank(entry))
}

func (c *LocalLeaderboardRankCache) GetRank(contestID, userID uuid.UUID) (int64, bool) {
	c.RLock()
	defer c.RUnlock()

	contestCache, ok := c.cache[contestID]
	if !ok {
		return 0, false
	}
	entry, ok := contestCache.owners[userID]
	if !ok {
		return 0, false
	}
	return int64(contestCache.list.Rank(entry)), true
}

func (c *LocalLeaderboardRankCache) TopN(contestID uuid.UUID, limit int) []*RankedEntry {
	c.RLock()
	defer c.RUnlock()
	return c.rangeLocked(contestID, limit)
}

func (c *LocalLeaderboardRankCache) All(contestID uuid.UUID) []*RankedEntry {
	c.RLock()
	defer c.RUnlock()
	return c.rangeLocked(contestID, 0)
}

func (c *LocalLeaderboardRankCache) rangeLocked(contestID uuid.UUID, limit int) []*RankedEntry {
	contestCache, ok := c.cache[contestID]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > contestCache.list.Len() {
		limit = contestCache.list.Len()
	}

	entries := make([]*RankedEntry, 0, limit)
	position := int64(0)
	for element := contestCache.list.Front(); element != nil && len(entries) < limit; element = element.Next() {
		position++
		entries = append(entries, &RankedEntry{
			Rank:     position,
			UserID:   element.Entry.UserID,
			Username: contestCache.usernames[element.Entry.UserID],
			Score:    element.Entry.Score,
		})
	}
	return entries
}

func (c *LocalLeaderboardRankCache) TotalParticipants(contestID uuid.UUID) int {
	c.RLock()
	defer c.RUnlock()

	contestCache, ok := c.cache[contestID]
	if !ok {
		return 0
	}
	return contestCache.list.Len()
}

func (c *LocalLeaderboardRankCache) DeleteContest(contestID uuid.UUID) {
	c.Lock()
	delete(c.cache, contestID)
	c.Unlock()
}
