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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/codeclash/codeclash/migrate"
	"github.com/codeclash/codeclash/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Codeclash starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Database connections", zap.Strings("dsns", config.GetDatabase().Addresses))

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	db := server.DbConnect(ctx, startupLogger, config)

	// Check migration status and fail fast if the schema has diverged.
	migrate.StartupCheck(startupLogger, db)

	clock := server.NewSystemClock()
	metrics := server.NewMetrics(logger, startupLogger, config)

	contests := server.NewPgContestRepository(logger, db)
	submissions := server.NewPgSubmissionRepository(logger, db)
	snapshots := server.NewPgLeaderboardSnapshotRepository(logger, db)
	rankCache := server.NewLocalLeaderboardRankCache()

	sessionRegistry := server.NewLocalSessionRegistry(metrics)
	rooms := server.NewLocalRoomRegistry(logger)
	router := server.NewLocalMessageRouter(sessionRegistry, rooms, clock, metrics)

	grader := server.NewHTTPCodeGrader(logger, config.GetGrader())
	processor := server.NewSubmissionProcessor(logger, clock, contests, submissions, grader, rankCache, metrics)
	orchestrator := server.NewLocalContestOrchestrator(logger, config, clock, contests, submissions, snapshots, rankCache, router, metrics)
	pipeline := server.NewPipeline(logger, config, clock, contests, submissions, snapshots, rankCache, orchestrator, rooms, router, processor)

	publicHub := server.NewPublicBroadcaster(logger, config, clock, contests, submissions, rankCache)
	pipeline.SetLeaderboardObserver(publicHub)
	publicHub.Start(ctx)

	// Resume any contest that should be live or is about to start.
	resumeContests(ctx, startupLogger, clock, contests, orchestrator)

	verifier := server.NewLocalTokenVerifier(config)
	socketServer := server.StartSocketServer(logger, startupLogger, config, clock, verifier, sessionRegistry, rooms, metrics, pipeline, publicHub)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	<-c
	startupLogger.Info("Shutting down")

	socketServer.Stop()
	publicHub.Stop()
	server.HandleShutdown(logger, orchestrator, sessionRegistry, config.GetContest().ShutdownGraceSec, c)
	rooms.Stop()
	metrics.Stop(logger)
	ctxCancel()
	_ = db.Close()

	os.Exit(0)
}

// resumeContests re-enters orchestration for contests interrupted by a
// restart: active ones start immediately, upcoming ones are scheduled.
func resumeContests(ctx context.Context, logger *zap.Logger, clock server.Clock, contests server.ContestRepository, orchestrator server.ContestOrchestrator) {
	all, err := contests.ListContests(ctx)
	if err != nil {
		logger.Error("Could not list contests to resume", zap.Error(err))
		return
	}

	now := clock.Now()
	for _, contest := range all {
		switch contest.StateAt(now) {
		case server.ContestStateActive, server.ContestStateUpcoming:
			orchestrator.StartContest(ctx, contest.ID)
		}
	}
}
