//go:build integration

package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/fedloop/internal/persist"
	"github.com/dyluth/fedloop/internal/site"
	"github.com/dyluth/fedloop/internal/transport"
	"github.com/dyluth/fedloop/pkg/blackboard"
)

// setupRedis starts a Redis container and returns its URL.
func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	require.NoError(t, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("redis://%s:%s", host, port.Port())
}

func newBlackboard(t *testing.T, url string) *blackboard.Client {
	t.Helper()
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client, err := blackboard.NewClient(opts, "it")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// TestJobOverRedis runs a coordinator and two site agents that only share a
// real Redis.
func TestJobOverRedis(t *testing.T) {
	url := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for id, loss := range map[string]string{"site-a": "0.4", "site-b": "0.2"} {
		board := newBlackboard(t, url)
		exec := &site.CommandExecutor{
			SiteID:  id,
			Command: []string{"sh", "-c", fmt.Sprintf(`printf '{"params":{"w":1},"metrics":{"loss":%s}}'`, loss)},
			Timeout: 10 * time.Second,
		}
		agent := site.NewAgent(board, id, exec, 100*time.Millisecond, nil)
		go agent.Run(ctx)
	}

	coordBoard := newBlackboard(t, url)
	cfg := testConfig(t)
	cfg.Job.NumRounds = 2
	cfg.Job.SiteWaitTimeout = 20 * time.Second

	tr := transport.NewRedis(coordBoard, transport.RedisOptions{SiteStaleAfter: 5 * time.Second}, nil)
	j, err := New(Options{Config: cfg, Transport: tr, Blackboard: coordBoard})
	require.NoError(t, err)
	defer j.Close()

	best, err := j.Coordinator.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 2, best.Contributors)
	assert.InDelta(t, 0.3, best.Metrics["loss"], 1e-9)

	record, err := coordBoard.GetBestArtifact(ctx, cfg.Job.Name)
	require.NoError(t, err)
	stored, err := persist.FromRecord(record)
	require.NoError(t, err)
	assert.Equal(t, best.Round, stored.Round)

	versions, err := coordBoard.ListArtifactVersions(ctx, cfg.Job.Name)
	require.NoError(t, err)
	assert.NotEmpty(t, versions)
}
