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
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publicFixture struct {
	clock       *fakeClock
	contests    *fakeContestRepo
	submissions *fakeSubmissionRepo
	rankCache   LeaderboardRankCache
	hub         *PublicBroadcaster
}

func newPublicFixture(t *testing.T) *publicFixture {
	t.Helper()
	f := &publicFixture{
		clock:       newFakeClock(),
		contests:    newFakeContestRepo(),
		submissions: newFakeSubmissionRepo(),
		rankCache:   NewLocalLeaderboardRankCache(),
	}
	f.hub = NewPublicBroadcaster(testLogger, newTestConfig(), f.clock, f.contests, f.submissions, f.rankCache)
	t.Cleanup(f.hub.Stop)
	return f
}

func (f *publicFixture) addContest(startIn, duration time.Duration) uuid.UUID {
	contestID := uuid.Must(uuid.NewV4())
	now := f.clock.Now()
	f.contests.contests[contestID] = &Contest{
		ID:      contestID,
		Title:   "Weekly Clash",
		StartAt: now.Add(startIn),
		EndAt:   now.Add(startIn + duration),
	}
	return contestID
}

func envelopeOf(t *testing.T, event string, data interface{}) *Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &Envelope{Event: event, Data: raw}
}

func TestPublicSubscribeContestsPushesSnapshot(t *testing.T) {
	f := newPublicFixture(t)
	upcoming := f.addContest(time.Hour, time.Hour)
	active := f.addContest(-time.Minute, time.Hour)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, &Envelope{Event: EventSubscribeContests})

	data, ok := session.lastSent(EventContestsUpdate).(*ContestsUpdateData)
	require.True(t, ok)
	require.Len(t, data.Contests, 2)

	states := map[uuid.UUID]string{}
	for _, summary := range data.Contests {
		states[summary.ID] = summary.State
	}
	assert.Equal(t, "ACTIVE", states[active])
	assert.Equal(t, "UPCOMING", states[upcoming])
}

func TestPublicBoundaryTimerRebroadcastsContests(t *testing.T) {
	f := newPublicFixture(t)
	contestID := f.addContest(time.Minute, time.Hour)

	f.hub.Start(context.Background())

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, &Envelope{Event: EventSubscribeContests})
	require.Len(t, session.sentEvents(), 1)

	// Crossing the start boundary flips the derived state and triggers a push.
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		data, ok := session.lastSent(EventContestsUpdate).(*ContestsUpdateData)
		if !ok || len(data.Contests) != 1 {
			return false
		}
		return data.Contests[0].ID == contestID && data.Contests[0].State == "ACTIVE"
	}, 2*time.Second, 2*time.Millisecond)
}

func TestPublicSubscribeLeaderboard(t *testing.T) {
	f := newPublicFixture(t)
	contestID := f.addContest(-time.Minute, time.Hour)
	userID := uuid.Must(uuid.NewV4())
	f.rankCache.UpdateScore(contestID, userID, "alice", 100, 1000)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, envelopeOf(t, EventSubscribeLeaderboard, &SubscribeLeaderboardData{ContestID: contestID.String()}))

	data, ok := session.lastSent(EventLeaderboardUpdate).(*LeaderboardUpdateData)
	require.True(t, ok)
	assert.Equal(t, contestID, data.ContestID)
	require.Len(t, data.Entries, 1)
	assert.Equal(t, "alice", data.Entries[0].Username)
	assert.Nil(t, data.YourRank, "anonymous viewers have no own standing")

	// Score changes are pushed to subscribers.
	f.rankCache.UpdateScore(contestID, userID, "alice", 200, 2000)
	f.hub.PublishLeaderboard(contestID)

	data, ok = session.lastSent(EventLeaderboardUpdate).(*LeaderboardUpdateData)
	require.True(t, ok)
	assert.Equal(t, int64(200), data.Entries[0].Score)
}

func TestPublicSubscribeLeaderboardUnknownContest(t *testing.T) {
	f := newPublicFixture(t)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, envelopeOf(t, EventSubscribeLeaderboard, &SubscribeLeaderboardData{ContestID: uuid.Must(uuid.NewV4()).String()}))

	data, ok := session.lastSent(EventError).(*ErrorData)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeContestNotFound, data.Code)
}

func TestPublicUnknownEventRejected(t *testing.T) {
	f := newPublicFixture(t)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, &Envelope{Event: "join_contest"})

	data, ok := session.lastSent(EventError).(*ErrorData)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeInvalidEvent, data.Code)
}

func TestPublicPing(t *testing.T) {
	f := newPublicFixture(t)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, &Envelope{Event: EventPing})

	data, ok := session.lastSent(EventPong).(*PongData)
	require.True(t, ok)
	assert.True(t, data.Timestamp.Equal(f.clock.Now()))
}

func TestPublicSessionClosedUnsubscribes(t *testing.T) {
	f := newPublicFixture(t)
	contestID := f.addContest(-time.Minute, time.Hour)
	f.rankCache.UpdateScore(contestID, uuid.Must(uuid.NewV4()), "alice", 100, 1000)

	session := newFakeSession(uuid.Nil, "", "")
	f.hub.ProcessRequest(testLogger, session, &Envelope{Event: EventSubscribeContests})
	f.hub.ProcessRequest(testLogger, session, envelopeOf(t, EventSubscribeLeaderboard, &SubscribeLeaderboardData{ContestID: contestID.String()}))
	sentBefore := len(session.sentEvents())

	f.hub.SessionClosed(session)
	f.hub.PublishLeaderboard(contestID)

	assert.Len(t, session.sentEvents(), sentBefore)
}
