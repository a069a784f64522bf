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
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventJoinContest          = "join_contest"
	EventSubmitAnswer         = "submit_answer"
	EventResync               = "resync"
	EventPing                 = "ping"
	EventSubscribeContests    = "subscribe_contests"
	EventSubscribeLeaderboard = "subscribe_leaderboard"
)

// Server to client events.
const (
	EventContestStart      = "contest_start"
	EventQuestionBroadcast = "question_broadcast"
	EventTimerUpdate       = "timer_update"
	EventQuestionChange    = "question_change"
	EventSubmissionResult  = "submission_result"
	EventLeaderboardUpdate = "leaderboard_update"
	EventContestEnd        = "contest_end"
	EventContestsUpdate    = "contests_update"
	EventError             = "error"
	EventPong              = "pong"
)

// Error codes carried in error envelopes.
const (
	ErrorCodeContestNotFound  = "CONTEST_NOT_FOUND"
	ErrorCodeContestNotActive = "CONTEST_NOT_ACTIVE"
	ErrorCodeNotParticipant   = "NOT_PARTICIPANT"
	ErrorCodeInvalidEvent     = "INVALID_EVENT"
	ErrorCodeAlreadySubmitted = "ALREADY_SUBMITTED"
	ErrorCodeTimeExpired      = "TIME_EXPIRED"
	ErrorCodeInvalidQuestion  = "INVALID_QUESTION"
	ErrorCodeInvalidOption    = "INVALID_OPTION"
	ErrorCodeServerError      = "SERVER_ERROR"
)

// WebSocket close codes. 1000 follows terminal events, the 4xxx codes are
// application-defined auth failures.
const (
	CloseCodeNormal       = 1000
	CloseCodeUnauthorized = 4401
	CloseCodeForbidden    = 4403
)

// Envelope is the wire frame for every message in both directions:
// {"event": string, "data": object, "timestamp": ISO-8601}.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalEnvelope builds the wire bytes for an outgoing message. Room
// broadcasts marshal once and fan the same bytes out to every member.
func MarshalEnvelope(event string, data interface{}, ts time.Time) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(&Envelope{Event: event, Data: raw, Timestamp: ts.UTC()})
}

// TypedError is an error carrying one of the wire error codes. Every
// precondition and authorization failure in the core surfaces as one of
// these; anything else is normalized to SERVER_ERROR at the boundary.
type TypedError struct {
	Code    string
	Message string
}

func (e *TypedError) Error() string {
	return e.Message
}

var (
	ErrContestNotFound  = &TypedError{Code: ErrorCodeContestNotFound, Message: "Contest not found"}
	ErrContestNotActive = &TypedError{Code: ErrorCodeContestNotActive, Message: "Contest is not active"}
	ErrNotParticipant   = &TypedError{Code: ErrorCodeNotParticipant, Message: "User is not a participant of this contest"}
	ErrInvalidEvent     = &TypedError{Code: ErrorCodeInvalidEvent, Message: "Unrecognized event"}
	ErrAlreadySubmitted = &TypedError{Code: ErrorCodeAlreadySubmitted, Message: "Answer already submitted for this question"}
	ErrTimeExpired      = &TypedError{Code: ErrorCodeTimeExpired, Message: "Time for this question has expired"}
	ErrInvalidQuestion  = &TypedError{Code: ErrorCodeInvalidQuestion, Message: "Question does not belong to this contest"}
	ErrInvalidOption    = &TypedError{Code: ErrorCodeInvalidOption, Message: "Selected option does not belong to this question"}
	ErrServerError      = &TypedError{Code: ErrorCodeServerError, Message: "Internal server error"}
)

// AsTypedError returns err as a TypedError, normalizing unknown errors to
// SERVER_ERROR so internal causes never leak onto the wire.
func AsTypedError(err error) *TypedError {
	if te, ok := err.(*TypedError); ok {
		return te
	}
	return ErrServerError
}
