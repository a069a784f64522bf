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

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Role of an authenticated connection. Admins may observe contests they are
// not participants of, but may never submit.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

// Session is an authenticated client connection.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() uuid.UUID
	Username() string
	Role() Role
	Expiry() int64

	// ContestID returns the contest room this session has joined, or uuid.Nil.
	ContestID() uuid.UUID
	SetContestID(id uuid.UUID)

	Context() context.Context

	// Consume runs the read loop until the connection drops or is closed.
	Consume()

	// Send marshals an envelope for this session and queues it for delivery.
	Send(event string, data interface{}) error
	// SendBytes queues already-marshaled envelope bytes for delivery.
	SendBytes(payload []byte) error

	// CloseWithReason sends a close frame with the given code then tears the
	// session down. Close tears it down without a reason frame.
	CloseWithReason(code int, reason string)
	Close()
}

// SessionRegistry tracks all live sessions on this node.
type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session
	Add(session Session)
	Remove(sessionID uuid.UUID)
	// Range iterates sessions until fn returns false.
	Range(fn func(session Session) bool)
}
