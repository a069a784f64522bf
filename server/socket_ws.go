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
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SocketServer accepts WebSocket connections on /ws/contest (authenticated
// participants and monitors) and /ws/public (anonymous viewers).
type SocketServer struct {
	logger          *zap.Logger
	config          Config
	clock           Clock
	verifier        TokenVerifier
	sessionRegistry SessionRegistry
	rooms           RoomRegistry
	metrics         *Metrics
	pipeline        MessageProcessor
	publicHub       MessageProcessor

	upgrader   *websocket.Upgrader
	httpServer *http.Server
}

func StartSocketServer(logger, startupLogger *zap.Logger, config Config, clock Clock, verifier TokenVerifier, sessionRegistry SessionRegistry, rooms RoomRegistry, metrics *Metrics, pipeline MessageProcessor, publicHub MessageProcessor) *SocketServer {
	s := &SocketServer{
		logger:          logger,
		config:          config,
		clock:           clock,
		verifier:        verifier,
		sessionRegistry: sessionRegistry,
		rooms:           rooms,
		metrics:         metrics,
		pipeline:        pipeline,
		publicHub:       publicHub,

		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/contest", s.serveContest).Methods("GET")
	router.HandleFunc("/ws/public", s.servePublic).Methods("GET")
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.GetSocket().Address, config.GetSocket().Port),
		ReadTimeout:  time.Millisecond * time.Duration(config.GetSocket().ReadTimeoutMs),
		WriteTimeout: time.Millisecond * time.Duration(config.GetSocket().WriteTimeoutMs),
		IdleTimeout:  time.Millisecond * time.Duration(config.GetSocket().IdleTimeoutMs),
		Handler:      router,
	}

	startupLogger.Info("Starting WebSocket server for client connections", zap.Int("port", config.GetSocket().Port))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("WebSocket listener failed", zap.Error(err))
		}
	}()

	return s
}

// serveContest authenticates the bearer token before upgrading, a bad token
// is rejected with 401 and never becomes a session.
func (s *SocketServer) serveContest(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}
	userID, username, role, expiry, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "Missing or invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Could not upgrade to WebSocket connection", zap.Error(err))
		return
	}

	session := NewWSSession(s.logger, s.config, s.clock, userID, username, role, expiry, conn, s.sessionRegistry, s.rooms, s.metrics, s.pipeline)
	s.sessionRegistry.Add(session)
	session.Consume()
}

func (s *SocketServer) servePublic(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Could not upgrade to WebSocket connection", zap.Error(err))
		return
	}

	session := NewWSSession(s.logger, s.config, s.clock, uuid.Nil, "", "", 0, conn, s.sessionRegistry, s.rooms, s.metrics, s.publicHub)
	s.sessionRegistry.Add(session)
	session.Consume()
}

func (s *SocketServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("WebSocket listener shutdown failed", zap.Error(err))
	}
}
