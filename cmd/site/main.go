package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/docker"
	"github.com/dyluth/fedloop/internal/logging"
	"github.com/dyluth/fedloop/internal/orchestrator"
	"github.com/dyluth/fedloop/internal/site"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

func main() {
	os.Exit(run())
}

// run contains the main logic and returns an exit code so deferred cleanup runs.
func run() int {
	cfg, err := site.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: configuration error: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Config{}.WithEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance", cfg.InstanceName))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", zap.Error(err))
		return 1
	}

	bbClient, err := blackboard.NewClient(redisOpts, cfg.InstanceName)
	if err != nil {
		logger.Error("failed to create blackboard client", zap.Error(err))
		return 1
	}
	defer bbClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = bbClient.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Error("failed to connect to Redis", zap.Error(err))
		return 1
	}
	logger.Info("connected to Redis")

	var runtime site.Runtime
	if cfg.Image != "" {
		dockerCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		cli, err := docker.NewClient(dockerCtx)
		cancel()
		if err != nil {
			logger.Error("image-based site needs Docker", zap.Error(err))
			return 1
		}
		defer cli.Close()
		runtime = site.NewDockerRuntime(cli)
	}

	healthServer := orchestrator.NewHealthServer(nil, orchestrator.HealthOptions{
		Addr:  cfg.HealthAddr,
		Redis: bbClient,
	}, logger)
	if err := healthServer.Start(); err != nil {
		logger.Error("failed to start health server", zap.Error(err))
		return 1
	}

	agent := site.NewAgent(bbClient, cfg.SiteID, cfg.Executor(runtime, logger), cfg.HeartbeatInterval, logger)

	agentCtx, agentCancel := context.WithCancel(context.Background())
	defer agentCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	agentDone := make(chan error, 1)
	go func() {
		agentDone <- agent.Run(agentCtx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-agentDone:
		if err != nil {
			logger.Error("site agent failed", zap.Error(err))
			return 1
		}
		logger.Info("site agent exited")
		return 0
	}

	// Graceful shutdown: stop the agent, then the health server
	agentCancel()

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer healthCancel()
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.Error("health server shutdown error", zap.Error(err))
	}

	shutdownTimer := time.NewTimer(10 * time.Second)
	defer shutdownTimer.Stop()

	select {
	case err := <-agentDone:
		if err != nil {
			logger.Error("site agent shutdown error", zap.Error(err))
			return 1
		}
	case <-shutdownTimer.C:
		logger.Error("site agent shutdown timeout, forcing exit")
		return 1
	}

	logger.Info("site shutdown complete")
	return 0
}
