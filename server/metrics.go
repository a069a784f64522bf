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
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Metrics counts sessions, running contests and message/submission traffic,
// and optionally exposes a Prometheus scrape endpoint.
type Metrics struct {
	logger *zap.Logger
	config Config

	currentSessions atomic.Int64
	currentContests atomic.Int64

	prometheusScope      tally.Scope
	prometheusCloser     io.Closer
	prometheusHTTPServer *http.Server
}

func NewMetrics(logger, startupLogger *zap.Logger, config Config) *Metrics {
	m := &Metrics{
		logger: logger,
		config: config,
	}

	if config.GetMetrics().PrometheusPort > 0 {
		reporter := prometheus.NewReporter(prometheus.Options{
			OnRegisterError: func(err error) {
				logger.Error("Error registering Prometheus metric", zap.Error(err))
			},
		})
		tags := map[string]string{"node_name": config.GetName()}
		if namespace := config.GetMetrics().Namespace; namespace != "" {
			tags["namespace"] = namespace
		}
		m.prometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
			Prefix:          config.GetName(),
			Tags:            tags,
			CachedReporter:  reporter,
			Separator:       prometheus.DefaultSeparator,
			SanitizeOptions: &prometheus.DefaultSanitizerOpts,
		}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

		m.startPrometheus(startupLogger, reporter)
	} else {
		m.prometheusScope = tally.NoopScope
	}

	return m
}

func (m *Metrics) startPrometheus(startupLogger *zap.Logger, reporter prometheus.Reporter) {
	router := mux.NewRouter()
	router.Handle("/", reporter.HTTPHandler()).Methods("GET")
	router.Handle("/metrics", reporter.HTTPHandler()).Methods("GET")

	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	m.prometheusHTTPServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", m.config.GetMetrics().PrometheusPort),
		ReadTimeout:  time.Millisecond * time.Duration(int64(m.config.GetSocket().ReadTimeoutMs)),
		WriteTimeout: time.Millisecond * time.Duration(int64(m.config.GetSocket().WriteTimeoutMs)),
		IdleTimeout:  time.Millisecond * time.Duration(int64(m.config.GetSocket().IdleTimeoutMs)),
		Handler:      handlerWithCORS,
	}

	startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", m.config.GetMetrics().PrometheusPort))
	go func() {
		if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Fatal("Prometheus listener failed", zap.Error(err))
		}
	}()
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.prometheusHTTPServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}
	if m.prometheusCloser != nil {
		if err := m.prometheusCloser.Close(); err != nil {
			logger.Error("Prometheus reporter shutdown failed", zap.Error(err))
		}
	}
}

// GaugeSessions records the current number of connected sessions.
func (m *Metrics) GaugeSessions(delta int64) {
	m.prometheusScope.Gauge("sessions").Update(float64(m.currentSessions.Add(delta)))
}

// GaugeContests records the current number of running contest handlers.
func (m *Metrics) GaugeContests(delta int64) {
	m.prometheusScope.Gauge("contests").Update(float64(m.currentContests.Add(delta)))
}

// CountMessage records one processed client message for the given event.
func (m *Metrics) CountMessage(event string, recvBytes int64) {
	tagged := m.prometheusScope.Tagged(map[string]string{"event": event})
	tagged.Counter("messages_recv").Inc(1)
	tagged.Counter("messages_recv_bytes").Inc(recvBytes)
}

// CountMessageSent records one outgoing message for the given event.
func (m *Metrics) CountMessageSent(event string, sentBytes int64) {
	tagged := m.prometheusScope.Tagged(map[string]string{"event": event})
	tagged.Counter("messages_sent").Inc(1)
	tagged.Counter("messages_sent_bytes").Inc(sentBytes)
}

// SubmissionLatency records how long a grading round trip took.
func (m *Metrics) SubmissionLatency(questionType string, elapsed time.Duration) {
	m.prometheusScope.Tagged(map[string]string{"question_type": questionType}).Timer("submission_latency").Record(elapsed)
}

// CountSubmission records one graded submission and its outcome.
func (m *Metrics) CountSubmission(questionType string, correct bool) {
	m.prometheusScope.Tagged(map[string]string{
		"question_type": questionType,
		"correct":       fmt.Sprintf("%t", correct),
	}).Counter("submissions").Inc(1)
}
