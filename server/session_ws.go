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
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrSessionQueueFull = errors.New("session outgoing queue full")

// wsSession encapsulates one WebSocket connection. All writes go through a
// single goroutine draining outgoingCh, which keeps per-session delivery
// order intact without holding locks across network writes.
type wsSession struct {
	sync.Mutex
	logger     *zap.Logger
	config     Config
	clock      Clock
	id         uuid.UUID
	userID     uuid.UUID
	username   string
	role       Role
	expiry     int64
	contestID  uuid.UUID
	ctx        context.Context
	ctxCancel  context.CancelFunc
	conn       *websocket.Conn
	stopped    bool
	outgoingCh chan []byte

	pipeline       MessageProcessor
	sessionRegistry SessionRegistry
	rooms          RoomRegistry
	metrics        *Metrics
}

// MessageProcessor handles one decoded client envelope.
type MessageProcessor interface {
	ProcessRequest(logger *zap.Logger, session Session, envelope *Envelope)
	// SessionClosed is invoked after the session is unregistered.
	SessionClosed(session Session)
}

func NewWSSession(logger *zap.Logger, config Config, clock Clock, userID uuid.UUID, username string, role Role, expiry int64, conn *websocket.Conn, sessionRegistry SessionRegistry, rooms RoomRegistry, metrics *Metrics, pipeline MessageProcessor) Session {
	sessionID := uuid.Must(uuid.NewV4())
	sessionLogger := logger.With(zap.String("uid", userID.String()), zap.String("sid", sessionID.String()))

	sessionLogger.Info("New WebSocket session connected", zap.String("username", username), zap.String("role", string(role)))

	ctx, ctxCancel := context.WithCancel(context.Background())

	return &wsSession{
		logger:     sessionLogger,
		config:     config,
		clock:      clock,
		id:         sessionID,
		userID:     userID,
		username:   username,
		role:       role,
		expiry:     expiry,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		conn:       conn,
		stopped:    false,
		outgoingCh: make(chan []byte, config.GetSocket().OutgoingQueueSize),

		pipeline:        pipeline,
		sessionRegistry: sessionRegistry,
		rooms:           rooms,
		metrics:         metrics,
	}
}

func (s *wsSession) Logger() *zap.Logger {
	return s.logger
}

func (s *wsSession) ID() uuid.UUID {
	return s.id
}

func (s *wsSession) UserID() uuid.UUID {
	return s.userID
}

func (s *wsSession) Username() string {
	return s.username
}

func (s *wsSession) Role() Role {
	return s.role
}

func (s *wsSession) Expiry() int64 {
	return s.expiry
}

func (s *wsSession) ContestID() uuid.UUID {
	s.Lock()
	defer s.Unlock()
	return s.contestID
}

func (s *wsSession) SetContestID(id uuid.UUID) {
	s.Lock()
	s.contestID = id
	s.Unlock()
}

func (s *wsSession) Context() context.Context {
	return s.ctx
}

func (s *wsSession) Consume() {
	go s.processOutgoing()

	pongWait := time.Duration(s.config.GetSocket().PongWaitMs) * time.Millisecond
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("Error reading message from client", zap.Error(err))
			}
			break
		}

		request := &Envelope{}
		if err = json.Unmarshal(data, request); err != nil || request.Event == "" {
			s.logger.Warn("Received malformed payload", zap.String("data", string(data)))
			_ = s.Send(EventError, &ErrorData{Code: ErrorCodeInvalidEvent, Message: "Malformed payload"})
			continue
		}

		s.metrics.CountMessage(request.Event, int64(len(data)))
		s.pipeline.ProcessRequest(s.logger, s, request)
	}

	s.Close()
}

// processOutgoing drains the outgoing queue onto the connection and owns the
// heartbeat pings.
func (s *wsSession) processOutgoing() {
	writeWait := time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond
	pingTicker := time.NewTicker(time.Duration(s.config.GetSocket().PingPeriodMs) * time.Millisecond)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-pingTicker.C:
			s.Lock()
			if s.stopped {
				s.Unlock()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
			s.Unlock()
			if err != nil {
				s.logger.Debug("Could not send ping, closing session", zap.Error(err))
				s.Close()
				return
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				s.Unlock()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.TextMessage, payload)
			s.Unlock()
			if err != nil {
				s.logger.Debug("Could not write message, closing session", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) Send(event string, data interface{}) error {
	payload, err := MarshalEnvelope(event, data, s.clock.Now())
	if err != nil {
		s.logger.Error("Could not marshal envelope", zap.String("event", event), zap.Error(err))
		return err
	}
	s.metrics.CountMessageSent(event, int64(len(payload)))
	return s.SendBytes(payload)
}

func (s *wsSession) SendBytes(payload []byte) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return nil
	}
	s.Unlock()

	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The client is not keeping up, kill it to avoid unbounded buffering.
		s.logger.Warn("Could not write message, session outgoing queue full")
		s.Close()
		return ErrSessionQueueFull
	}
}

func (s *wsSession) CloseWithReason(code int, reason string) {
	s.Lock()
	alreadyStopped := s.stopped
	s.Unlock()
	if !alreadyStopped {
		writeWait := time.Duration(s.config.GetSocket().WriteWaitMs) * time.Millisecond
		message := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait)); err != nil {
			s.logger.Debug("Could not send close message", zap.Error(err))
		}
	}
	s.Close()
}

func (s *wsSession) Close() {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	s.ctxCancel()
	s.sessionRegistry.Remove(s.id)
	s.rooms.LeaveAll(s.id)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close connection", zap.Error(err))
	}
	s.pipeline.SessionClosed(s)
	s.logger.Info("Closed client connection")
}
