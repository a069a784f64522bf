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
	"os"
	"time"

	"go.uber.org/zap"
)

// HandleShutdown drains connected sessions within the grace period, then
// stops running contests and closes whatever remains. A second interrupt
// skips the grace.
func HandleShutdown(logger *zap.Logger, orchestrator ContestOrchestrator, sessionRegistry SessionRegistry, graceSeconds int, c chan os.Signal) {
	var timerCh <-chan time.Time
	if graceSeconds != 0 {
		timer := time.NewTimer(time.Duration(graceSeconds) * time.Second)
		defer timer.Stop()
		timerCh = timer.C
		logger.Info("Shutdown started - use CTRL^C to force stop server", zap.Int("grace_period_sec", graceSeconds))
	} else {
		logger.Info("Shutdown started")
	}

	drained := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if sessionRegistry.Count() == 0 {
				close(drained)
				return
			}
		}
	}()

	if graceSeconds != 0 {
		select {
		case <-drained:
			logger.Info("All sessions drained")
		case <-timerCh:
			logger.Info("Shutdown grace period expired")
		case <-c:
			logger.Info("Skipping graceful shutdown")
		}
	}

	orchestrator.Stop()
	sessionRegistry.Range(func(session Session) bool {
		session.CloseWithReason(CloseCodeNormal, "server shutting down")
		return true
	})
	sessionRegistry.Stop()
}
