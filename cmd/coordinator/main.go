package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/config"
	"github.com/dyluth/fedloop/internal/job"
	"github.com/dyluth/fedloop/internal/logging"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/transport"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load environment and configuration
	instanceName := os.Getenv("FEDLOOP_INSTANCE_NAME")
	if instanceName == "" {
		fmt.Fprintf(os.Stderr, "Error: FEDLOOP_INSTANCE_NAME must be set\n")
		return 1
	}

	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load %s: %v\n", cfgPath, err)
		return 1
	}

	redisURL := cfg.Redis.URL
	if env := os.Getenv("REDIS_URL"); env != "" {
		redisURL = env
	}
	if redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: REDIS_URL must be set (or redis.url in %s)\n", cfgPath)
		return 1
	}

	logger, err := logging.New(cfg.Logging.WithEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance", instanceName))

	// 2. Connect to the blackboard
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Error("invalid Redis URL", zap.Error(err))
		return 1
	}
	bbClient, err := blackboard.NewClient(redisOpts, instanceName)
	if err != nil {
		logger.Error("failed to create blackboard client", zap.Error(err))
		return 1
	}
	defer bbClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = bbClient.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Error("Redis not accessible", zap.Error(err))
		return 1
	}

	// 3. Assemble the job
	tr := transport.NewRedis(bbClient, transport.RedisOptions{SiteStaleAfter: cfg.Redis.SiteStaleAfter}, logger)
	j, err := job.New(job.Options{Config: cfg, Transport: tr, Blackboard: bbClient, Logger: logger})
	if err != nil {
		logger.Error("failed to build job", zap.Error(err))
		return 1
	}
	defer j.Close()

	// 4. Health and metrics
	var healthServer *orchestrator.HealthServer
	if !cfg.Health.Disabled {
		healthServer = orchestrator.NewHealthServer(j.Coordinator, orchestrator.HealthOptions{
			Addr:    cfg.Health.Addr,
			Redis:   bbClient,
			Metrics: j.Metrics.Handler(),
		}, logger)
		if err := healthServer.Start(); err != nil {
			logger.Error("failed to start health server", zap.Error(err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := healthServer.Shutdown(ctx); err != nil {
				logger.Error("health server shutdown error", zap.Error(err))
			}
		}()
	}

	// 5. Run until done or signalled; a signal aborts the run
	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("coordinator starting",
		zap.String("job", cfg.Job.Name),
		zap.Int("min_clients", cfg.Job.MinClients),
		zap.Int("num_rounds", cfg.Job.NumRounds))

	best, err := j.Coordinator.Run(runCtx)
	switch {
	case errors.Is(err, orchestrator.ErrAborted):
		logger.Info("coordinator aborted")
		return 0
	case err != nil:
		logger.Error("coordinator failed", zap.Error(err))
		return 1
	}

	if best != nil {
		logger.Info("coordinator finished",
			zap.Int("best_round", best.Round),
			zap.Any("best_metrics", best.Metrics))
	} else {
		logger.Info("coordinator finished without an artifact")
	}
	return 0
}
