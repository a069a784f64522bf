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
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeclash/codeclash/internal/flags"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetDatabase() *DatabaseConfig
	GetContest() *ContestConfig
	GetGrader() *GraderConfig
	GetMetrics() *MetricsConfig
}

// ParseArgs reads an optional "--config file.yml" then applies command line
// overrides derived from the yaml tags of the config tree.
func ParseArgs(logger *zap.Logger, args []string) Config {
	config := NewConfig()

	if len(args) > 1 {
		switch args[1] {
		case "--config", "-config":
			if len(args) < 3 {
				logger.Fatal("Missing path after --config flag")
			}
			configPath := args[2]
			data, err := os.ReadFile(configPath)
			if err != nil {
				logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
			}
			if err := yaml.Unmarshal(data, config); err != nil {
				logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
			}
			config.Config = configPath
		}
	}

	flagSet := flag.NewFlagSet("codeclash", flag.ExitOnError)
	fm := flags.NewFlagMakerFlagSet(&flags.FlagMakingOptions{
		UseLowerCase: true,
		Flatten:      false,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, flagSet)

	if _, err := fm.ParseArgs(config, args[1:]); err != nil {
		logger.Error("Could not parse command line arguments, ignoring overrides", zap.Error(err))
	}

	config.Validate(logger)

	return config
}

type config struct {
	Name     string          `yaml:"name" json:"name" usage:"Server node name, must be unique in a deployment."`
	Config   string          `yaml:"config" json:"config" usage:"Absolute path to the configuration YAML file."`
	Datadir  string          `yaml:"data_dir" json:"data_dir" usage:"Absolute path to a writeable folder for server data."`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Socket   *SocketConfig   `yaml:"socket" json:"socket" usage:"WebSocket transport settings."`
	Session  *SessionConfig  `yaml:"session" json:"session" usage:"Session token settings."`
	Database *DatabaseConfig `yaml:"database" json:"database" usage:"Database connection settings."`
	Contest  *ContestConfig  `yaml:"contest" json:"contest" usage:"Contest orchestration settings."`
	Grader   *GraderConfig   `yaml:"grader" json:"grader" usage:"Code execution engine settings."`
	Metrics  *MetricsConfig  `yaml:"metrics" json:"metrics" usage:"Metrics export settings."`
}

// NewConfig constructs a config with default values.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	return &config{
		Name:     "codeclash-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3],
		Datadir:  filepath.Join(cwd, "data"),
		Logger:   NewLoggerConfig(),
		Socket:   NewSocketConfig(),
		Session:  NewSessionConfig(),
		Database: NewDatabaseConfig(),
		Contest:  NewContestConfig(),
		Grader:   NewGraderConfig(),
		Metrics:  NewMetricsConfig(),
	}
}

// Validate fails fast on configuration that cannot work.
func (c *config) Validate(logger *zap.Logger) {
	if c.Socket.PingPeriodMs >= c.Socket.PongWaitMs {
		logger.Fatal("Socket ping period must be less than pong wait",
			zap.Int("ping_period_ms", c.Socket.PingPeriodMs), zap.Int("pong_wait_ms", c.Socket.PongWaitMs))
	}
	if c.Session.SigningKey == "" {
		logger.Fatal("Session signing key must not be empty")
	}
	if len(c.Database.Addresses) == 0 {
		logger.Fatal("At least one database address is required")
	}
	if c.Contest.QuestionGraceSec < 0 {
		logger.Fatal("Contest question grace must not be negative", zap.Int("question_grace_sec", c.Contest.QuestionGraceSec))
	}
	if c.Contest.LeaderboardTopN <= 0 {
		logger.Fatal("Leaderboard top N must be positive", zap.Int("leaderboard_top_n", c.Contest.LeaderboardTopN))
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetSession() *SessionConfig {
	return c.Session
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetContest() *ContestConfig {
	return c.Contest
}

func (c *config) GetGrader() *GraderConfig {
	return c.Grader
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level, one of: debug, info, warn, error."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Also log to stdout when a file is configured."`
	File       string `yaml:"file" json:"file" usage:"Log file path. Empty disables file logging."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" usage:"Maximum size of the log file before rotation, in megabytes."`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" usage:"Maximum number of days to retain old log files."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Maximum number of rotated log files to retain."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		MaxSizeMB:  100,
		MaxAgeDays: 0,
		MaxBackups: 0,
	}
}

// SocketConfig is configuration relevant to the WebSocket transport.
type SocketConfig struct {
	Address             string `yaml:"address" json:"address" usage:"The IP address of the interface to listen on."`
	Port                int    `yaml:"port" json:"port" usage:"The port for accepting client connections."`
	MaxMessageSizeBytes int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed per client message."`
	ReadTimeoutMs       int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"HTTP server read timeout in milliseconds."`
	WriteTimeoutMs      int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"HTTP server write timeout in milliseconds."`
	IdleTimeoutMs       int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"HTTP server idle timeout in milliseconds."`
	WriteWaitMs         int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for a socket write to complete."`
	PongWaitMs          int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong after sending a ping."`
	PingPeriodMs        int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds between pings. Must be less than pong_wait_ms."`
	OutgoingQueueSize   int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Maximum number of queued outgoing messages per session before it is considered too slow and closed."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:             "",
		Port:                7450,
		MaxMessageSizeBytes: 4096,
		ReadTimeoutMs:       10000,
		WriteTimeoutMs:      10000,
		IdleTimeoutMs:       60000,
		WriteWaitMs:         5000,
		PongWaitMs:          35000,
		PingPeriodMs:        30000,
		OutgoingQueueSize:   64,
	}
}

// SessionConfig is configuration relevant to session tokens.
type SessionConfig struct {
	SigningKey     string `yaml:"signing_key" json:"signing_key" usage:"HMAC key used to verify session bearer tokens."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Session token expiry in seconds."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		SigningKey:     "defaultsigningkey",
		TokenExpirySec: 3600,
	}
}

// DatabaseConfig is configuration relevant to the durable store.
type DatabaseConfig struct {
	Addresses         []string `yaml:"address" json:"address" usage:"List of database server addresses, user:password@host:port."`
	ConnMaxLifetimeMs int      `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds a database connection is reused before being closed."`
	MaxOpenConns      int      `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of open database connections."`
	MaxIdleConns      int      `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of idle database connections."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Addresses:         []string{"postgres@localhost:5432"},
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// ContestConfig is configuration relevant to contest orchestration.
type ContestConfig struct {
	QuestionGraceSec      int `yaml:"question_grace_sec" json:"question_grace_sec" usage:"Interstitial pause between questions in seconds."`
	LeaderboardDebounceMs int `yaml:"leaderboard_debounce_ms" json:"leaderboard_debounce_ms" usage:"Delay in milliseconds used to coalesce leaderboard broadcasts after submissions."`
	LeaderboardTopN       int `yaml:"leaderboard_top_n" json:"leaderboard_top_n" usage:"Number of leaderboard entries included in live updates."`
	CallQueueSize         int `yaml:"call_queue_size" json:"call_queue_size" usage:"Size of each contest handler's call queue."`
	ShutdownGraceSec      int `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Time in seconds to allow running contests to stop on shutdown."`
}

func NewContestConfig() *ContestConfig {
	return &ContestConfig{
		QuestionGraceSec:      2,
		LeaderboardDebounceMs: 100,
		LeaderboardTopN:       10,
		CallQueueSize:         128,
		ShutdownGraceSec:      30,
	}
}

// GraderConfig is configuration relevant to the code execution engine.
type GraderConfig struct {
	Address   string `yaml:"address" json:"address" usage:"Base URL of the code execution engine."`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms" usage:"Grading request timeout in milliseconds."`
}

func NewGraderConfig() *GraderConfig {
	return &GraderConfig{
		Address:   "http://127.0.0.1:8090",
		TimeoutMs: 30000,
	}
}

// MetricsConfig is configuration relevant to metrics export.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Metrics reporting frequency in seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace prefix for metrics. Used to distinguish multiple deployments."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port for the Prometheus scrape endpoint. 0 disables the exporter."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 5,
		Namespace:        "",
		PrometheusPort:   0,
	}
}
