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
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankCacheOrdersByScoreDescending(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())

	alice := uuid.Must(uuid.NewV4())
	bob := uuid.Must(uuid.NewV4())
	carol := uuid.Must(uuid.NewV4())

	cache.UpdateScore(contestID, alice, "alice", 100, 1000)
	cache.UpdateScore(contestID, bob, "bob", 300, 2000)
	cache.UpdateScore(contestID, carol, "carol", 200, 3000)

	entries := cache.All(contestID)
	require.Len(t, entries, 3)
	assert.Equal(t, bob, entries[0].UserID)
	assert.Equal(t, carol, entries[1].UserID)
	assert.Equal(t, alice, entries[2].UserID)
	assert.Equal(t, int64(1), entries[0].Rank)
	assert.Equal(t, int64(2), entries[1].Rank)
	assert.Equal(t, int64(3), entries[2].Rank)
}

func TestRankCacheTiebreakFirstToReachScoreWins(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())

	early := uuid.Must(uuid.NewV4())
	late := uuid.Must(uuid.NewV4())

	cache.UpdateScore(contestID, late, "late", 100, 5000)
	cache.UpdateScore(contestID, early, "early", 100, 1000)

	entries := cache.All(contestID)
	require.Len(t, entries, 2)
	assert.Equal(t, early, entries[0].UserID)
	assert.Equal(t, late, entries[1].UserID)
}

func TestRankCacheUnchangedScoreKeepsTiebreak(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())

	first := uuid.Must(uuid.NewV4())
	second := uuid.Must(uuid.NewV4())

	cache.UpdateScore(contestID, first, "first", 100, 1000)
	cache.UpdateScore(contestID, second, "second", 100, 2000)

	// A wrong-answer submission rewrites the same score much later. The user
	// must not lose the tiebreak they already hold.
	rank := cache.UpdateScore(contestID, first, "first", 100, 9000)
	assert.Equal(t, int64(1), rank)

	entries := cache.All(contestID)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].UserID)
}

func TestRankCacheOverwriteMovesEntry(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())

	alice := uuid.Must(uuid.NewV4())
	bob := uuid.Must(uuid.NewV4())

	cache.UpdateScore(contestID, alice, "alice", 100, 1000)
	rank := cache.UpdateScore(contestID, bob, "bob", 50, 2000)
	assert.Equal(t, int64(2), rank)

	rank = cache.UpdateScore(contestID, bob, "bob", 200, 3000)
	assert.Equal(t, int64(1), rank)

	aliceRank, ok := cache.GetRank(contestID, alice)
	require.True(t, ok)
	assert.Equal(t, int64(2), aliceRank)

	// One entry per user even after the overwrite.
	assert.Equal(t, 2, cache.TotalParticipants(contestID))
}

func TestRankCacheTopNLimit(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())

	for i := 0; i < 5; i++ {
		cache.UpdateScore(contestID, uuid.Must(uuid.NewV4()), "user", int64(i*10), int64(i))
	}

	top := cache.TopN(contestID, 3)
	require.Len(t, top, 3)
	assert.Equal(t, int64(40), top[0].Score)
	assert.Equal(t, int64(30), top[1].Score)
	assert.Equal(t, int64(20), top[2].Score)

	// A limit beyond the population returns everything.
	assert.Len(t, cache.TopN(contestID, 100), 5)
}

func TestRankCacheMissesAndDelete(t *testing.T) {
	cache := NewLocalLeaderboardRankCache()
	contestID := uuid.Must(uuid.NewV4())
	userID := uuid.Must(uuid.NewV4())

	_, ok := cache.GetRank(contestID, userID)
	assert.False(t, ok)
	assert.Nil(t, cache.All(contestID))
	assert.Equal(t, 0, cache.TotalParticipants(contestID))

	cache.UpdateScore(contestID, userID, "user", 10, 1)
	cache.DeleteContest(contestID)

	_, ok = cache.GetRank(contestID, userID)
	assert.False(t, ok)
	assert.Equal(t, 0, cache.TotalParticipants(contestID))
}
