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

func testPresence() *RoomPresence {
	return &RoomPresence{
		SessionID: uuid.Must(uuid.NewV4()),
		UserID:    uuid.Must(uuid.NewV4()),
		Username:  "alice",
		Role:      RoleParticipant,
	}
}

func TestRoomJoinAndList(t *testing.T) {
	rooms := NewLocalRoomRegistry(testLogger)
	contestID := uuid.Must(uuid.NewV4())
	presence := testPresence()

	assert.True(t, rooms.Join(contestID, presence))
	assert.True(t, rooms.IsMember(contestID, presence.SessionID))
	assert.Equal(t, 1, rooms.Count(contestID))

	list := rooms.List(contestID)
	require.Len(t, list, 1)
	assert.Equal(t, presence.SessionID, list[0].SessionID)

	// Rejoining the same room is not a new membership.
	assert.False(t, rooms.Join(contestID, presence))
	assert.Equal(t, 1, rooms.Count(contestID))
}

func TestRoomJoinSecondRoomLeavesFirst(t *testing.T) {
	rooms := NewLocalRoomRegistry(testLogger)
	first := uuid.Must(uuid.NewV4())
	second := uuid.Must(uuid.NewV4())
	presence := testPresence()

	require.True(t, rooms.Join(first, presence))
	require.True(t, rooms.Join(second, presence))

	assert.False(t, rooms.IsMember(first, presence.SessionID))
	assert.True(t, rooms.IsMember(second, presence.SessionID))
	assert.Equal(t, 0, rooms.Count(first))
}

func TestRoomLeaveAll(t *testing.T) {
	rooms := NewLocalRoomRegistry(testLogger)
	contestID := uuid.Must(uuid.NewV4())
	presence := testPresence()
	other := testPresence()

	require.True(t, rooms.Join(contestID, presence))
	require.True(t, rooms.Join(contestID, other))

	rooms.LeaveAll(presence.SessionID)
	assert.False(t, rooms.IsMember(contestID, presence.SessionID))
	assert.True(t, rooms.IsMember(contestID, other.SessionID))

	// LeaveAll for an unknown session is a no-op.
	rooms.LeaveAll(uuid.Must(uuid.NewV4()))
	assert.Equal(t, 1, rooms.Count(contestID))
}

func TestRoomLeaveRemovesEmptyRoom(t *testing.T) {
	rooms := NewLocalRoomRegistry(testLogger)
	contestID := uuid.Must(uuid.NewV4())
	presence := testPresence()

	require.True(t, rooms.Join(contestID, presence))
	rooms.Leave(contestID, presence.SessionID)

	assert.Equal(t, 0, rooms.Count(contestID))
	assert.Nil(t, rooms.List(contestID))
}
