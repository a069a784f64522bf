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
	"go.uber.org/atomic"
)

type LocalSessionRegistry struct {
	metrics *Metrics

	sessions     *sync.Map
	sessionCount *atomic.Int32
}

func NewLocalSessionRegistry(metrics *Metrics) SessionRegistry {
	return &LocalSessionRegistry{
		metrics: metrics,

		sessions:     &sync.Map{},
		sessionCount: atomic.NewInt32(0),
	}
}

func (r *LocalSessionRegistry) Stop() {}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session.(Session)
}

func (r *LocalSessionRegistry) Add(session Session) {
	r.sessions.Store(session.ID(), session)
	r.sessionCount.Inc()
	r.metrics.GaugeSessions(1)
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) {
	if _, ok := r.sessions.LoadAndDelete(sessionID); ok {
		r.sessionCount.Dec()
		r.metrics.GaugeSessions(-1)
	}
}

func (r *LocalSessionRegistry) Range(fn func(Session) bool) {
	r.sessions.Range(func(_, value interface{}) bool {
		return fn(value.(Session))
	})
}
