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
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// MessageRouter delivers envelopes to contest room members.
type MessageRouter interface {
	// SendToRoom marshals once and fans the same bytes out to every member.
	SendToRoom(logger *zap.Logger, contestID uuid.UUID, event string, data interface{})
	// SendToRoomEach builds a per-recipient payload, for messages carrying
	// recipient-specific fields such as a user's own rank.
	SendToRoomEach(logger *zap.Logger, contestID uuid.UUID, event string, dataFn func(presence *RoomPresence) interface{})
	// SendToSession delivers to one session if it is still registered.
	SendToSession(logger *zap.Logger, sessionID uuid.UUID, event string, data interface{})
}

type LocalMessageRouter struct {
	sessionRegistry SessionRegistry
	rooms           RoomRegistry
	clock           Clock
	metrics         *Metrics
}

func NewLocalMessageRouter(sessionRegistry SessionRegistry, rooms RoomRegistry, clock Clock, metrics *Metrics) MessageRouter {
	return &LocalMessageRouter{
		sessionRegistry: sessionRegistry,
		rooms:           rooms,
		clock:           clock,
		metrics:         metrics,
	}
}

func (r *LocalMessageRouter) SendToRoom(logger *zap.Logger, contestID uuid.UUID, event string, data interface{}) {
	presences := r.rooms.List(contestID)
	if len(presences) == 0 {
		return
	}

	payload, err := MarshalEnvelope(event, data, r.clock.Now())
	if err != nil {
		logger.Error("Could not marshal broadcast envelope", zap.String("event", event), zap.Error(err))
		return
	}

	for _, presence := range presences {
		session := r.sessionRegistry.Get(presence.SessionID)
		if session == nil {
			continue
		}
		r.metrics.CountMessageSent(event, int64(len(payload)))
		_ = session.SendBytes(payload)
	}
}

func (r *LocalMessageRouter) SendToRoomEach(logger *zap.Logger, contestID uuid.UUID, event string, dataFn func(*RoomPresence) interface{}) {
	for _, presence := range r.rooms.List(contestID) {
		session := r.sessionRegistry.Get(presence.SessionID)
		if session == nil {
			continue
		}
		if err := session.Send(event, dataFn(presence)); err != nil {
			logger.Debug("Could not deliver message to room member", zap.String("event", event), zap.String("sid", presence.SessionID.String()), zap.Error(err))
		}
	}
}

func (r *LocalMessageRouter) SendToSession(logger *zap.Logger, sessionID uuid.UUID, event string, data interface{}) {
	session := r.sessionRegistry.Get(sessionID)
	if session == nil {
		return
	}
	if err := session.Send(event, data); err != nil {
		logger.Debug("Could not deliver message to session", zap.String("event", event), zap.String("sid", sessionID.String()), zap.Error(err))
	}
}
