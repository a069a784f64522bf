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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// RoomPresence is one session's membership in a contest room.
type RoomPresence struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	Username  string
	Role      Role
}

// RoomRegistry tracks which sessions are present in which contest rooms.
// A session is in at most one contest room at a time; joining a second room
// implicitly leaves the first.
type RoomRegistry interface {
	Stop()
	// Join adds the session to the contest room and reports whether it was
	// not already a member.
	Join(contestID uuid.UUID, presence *RoomPresence) bool
	Leave(contestID, sessionID uuid.UUID)
	// LeaveAll removes the session from any room it is in.
	LeaveAll(sessionID uuid.UUID)
	List(contestID uuid.UUID) []*RoomPresence
	IsMember(contestID, sessionID uuid.UUID) bool
	Count(contestID uuid.UUID) int
}

type LocalRoomRegistry struct {
	sync.RWMutex
	logger *zap.Logger

	rooms map[uuid.UUID]map[uuid.UUID]*RoomPresence
	// Reverse index from session to its current room.
	sessions map[uuid.UUID]uuid.UUID
}

func NewLocalRoomRegistry(logger *zap.Logger) RoomRegistry {
	return &LocalRoomRegistry{
		logger: logger,

		rooms:    make(map[uuid.UUID]map[uuid.UUID]*RoomPresence),
		sessions: make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *LocalRoomRegistry) Stop() {}

func (r *LocalRoomRegistry) Join(contestID uuid.UUID, presence *RoomPresence) bool {
	r.Lock()
	defer r.Unlock()

	if current, ok := r.sessions[presence.SessionID]; ok {
		if current == contestID {
			return false
		}
		r.leaveLocked(current, presence.SessionID)
	}

	room, ok := r.rooms[contestID]
	if !ok {
		room = make(map[uuid.UUID]*RoomPresence)
		r.rooms[contestID] = room
	}
	room[presence.SessionID] = presence
	r.sessions[presence.SessionID] = contestID
	return true
}

func (r *LocalRoomRegistry) Leave(contestID, sessionID uuid.UUID) {
	r.Lock()
	r.leaveLocked(contestID, sessionID)
	r.Unlock()
}

func (r *LocalRoomRegistry) LeaveAll(sessionID uuid.UUID) {
	r.Lock()
	if contestID, ok := r.sessions[sessionID]; ok {
		r.leaveLocked(contestID, sessionID)
	}
	r.Unlock()
}

func (r *LocalRoomRegistry) leaveLocked(contestID, sessionID uuid.UUID) {
	room, ok := r.rooms[contestID]
	if !ok {
		return
	}
	if _, ok := room[sessionID]; !ok {
		return
	}
	delete(room, sessionID)
	delete(r.sessions, sessionID)
	if len(room) == 0 {
		delete(r.rooms, contestID)
	}
}

func (r *LocalRoomRegistry) List(contestID uuid.UUID) []*RoomPresence {
	r.RLock()
	defer r.RUnlock()

	room, ok := r.rooms[contestID]
	if !ok {
		return nil
	}
	presences := make([]*RoomPresence, 0, len(room))
	for _, presence := range room {
		presences = append(presences, presence)
	}
	return presences
}

func (r *LocalRoomRegistry) IsMember(contestID, sessionID uuid.UUID) bool {
	r.RLock()
	defer r.RUnlock()

	room, ok := r.rooms[contestID]
	if !ok {
		return false
	}
	_, ok = room[sessionID]
	return ok
}

func (r *LocalRoomRegistry) Count(contestID uuid.UUID) int {
	r.RLock()
	defer r.RUnlock()
	return len(r.rooms[contestID])
}
