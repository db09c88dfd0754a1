package blackboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the blackboard.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new blackboard client for the specified instance.
// The client automatically namespaces all keys and channels with the instance name.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: fedloop instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client writes to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// CreateTask writes a task to Redis and publishes it to every target's channel.
// Validates the task before writing.
//
// The task is stored as a Redis hash at fedloop:{instance}:task:{id} and its full
// JSON is published to fedloop:{instance}:site:{site_id}:tasks for each target.
func (c *Client) CreateTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	hash, err := TaskToHash(t)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	key := TaskKey(c.instanceName, t.ID)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write task to Redis: %w", err)
	}

	taskJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task for event: %w", err)
	}

	for _, siteID := range t.Targets {
		channel := SiteTasksChannel(c.instanceName, siteID)
		if err := c.rdb.Publish(ctx, channel, taskJSON).Err(); err != nil {
			return fmt.Errorf("failed to publish task to site %s: %w", siteID, err)
		}
	}

	return nil
}

// GetTask retrieves a task by ID.
// Returns (nil, redis.Nil) if the task doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	key := TaskKey(c.instanceName, taskID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	task, err := HashToTask(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}

	return task, nil
}

// SubmitResult records a site's result for a task and publishes a result event.
// Uses HSET on fedloop:{instance}:task:{task_id}:results with key=site_id.
// A second submission from the same site replaces the first.
func (c *Client) SubmitResult(ctx context.Context, r *Result) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}

	resultJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := TaskResultsKey(c.instanceName, r.TaskID)
	if err := c.rdb.HSet(ctx, key, r.SiteID, string(resultJSON)).Err(); err != nil {
		return fmt.Errorf("failed to write result to Redis: %w", err)
	}

	channel := ResultEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, resultJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish result event: %w", err)
	}

	return nil
}

// GetResults retrieves every result submitted for a task, keyed by site ID.
// Returns an empty map if no results exist (not an error).
func (c *Client) GetResults(ctx context.Context, taskID string) (map[string]*Result, error) {
	key := TaskResultsKey(c.instanceName, taskID)

	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read results from Redis: %w", err)
	}

	results := make(map[string]*Result, len(raw))
	for siteID, resultJSON := range raw {
		var r Result
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result from site %s: %w", siteID, err)
		}
		results[siteID] = &r
	}

	return results, nil
}

// Heartbeat registers a site, or refreshes its last-seen time.
func (c *Client) Heartbeat(ctx context.Context, siteID string) error {
	if siteID == "" {
		return fmt.Errorf("site ID cannot be empty")
	}

	now := time.Now().UnixMilli()
	if err := c.rdb.HSet(ctx, SitesKey(c.instanceName), siteID, now).Err(); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// RemoveSite deletes a site from the registry.
func (c *Client) RemoveSite(ctx context.Context, siteID string) error {
	if err := c.rdb.HDel(ctx, SitesKey(c.instanceName), siteID).Err(); err != nil {
		return fmt.Errorf("failed to remove site: %w", err)
	}
	return nil
}

// ListSites returns registered sites sorted by ID. When staleAfter is positive,
// sites not heard from within that window are omitted.
func (c *Client) ListSites(ctx context.Context, staleAfter time.Duration) ([]Site, error) {
	raw, err := c.rdb.HGetAll(ctx, SitesKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sites from Redis: %w", err)
	}

	cutoff := int64(0)
	if staleAfter > 0 {
		cutoff = time.Now().Add(-staleAfter).UnixMilli()
	}

	sites := make([]Site, 0, len(raw))
	for id, lastSeen := range raw {
		ms, err := strconv.ParseInt(lastSeen, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat for site %s: %w", id, err)
		}
		if ms < cutoff {
			continue
		}
		sites = append(sites, Site{ID: id, LastSeenMs: ms})
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

// SaveArtifact stores an artifact and records it in the job's round ZSET.
func (c *Client) SaveArtifact(ctx context.Context, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid artifact: %w", err)
	}

	hash, err := ArtifactToHash(a)
	if err != nil {
		return fmt.Errorf("failed to serialize artifact: %w", err)
	}

	if err := c.rdb.HSet(ctx, ArtifactKey(c.instanceName, a.ID), hash).Err(); err != nil {
		return fmt.Errorf("failed to write artifact to Redis: %w", err)
	}

	z := redis.Z{
		Score:  RoundScore(a.Round),
		Member: a.ID,
	}
	if err := c.rdb.ZAdd(ctx, ArtifactRoundsKey(c.instanceName, a.Job), z).Err(); err != nil {
		return fmt.Errorf("failed to add artifact to job history: %w", err)
	}

	return nil
}

// MarkBest records artifactID as the best artifact of job.
func (c *Client) MarkBest(ctx context.Context, job, artifactID string) error {
	if err := c.rdb.Set(ctx, BestArtifactKey(c.instanceName, job), artifactID, 0).Err(); err != nil {
		return fmt.Errorf("failed to mark best artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by ID.
// Returns (nil, redis.Nil) if the artifact doesn't exist.
func (c *Client) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	hashData, err := c.rdb.HGetAll(ctx, ArtifactKey(c.instanceName, artifactID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	artifact, err := HashToArtifact(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize artifact: %w", err)
	}

	return artifact, nil
}

// GetBestArtifact retrieves the artifact last marked best for job.
// Returns (nil, redis.Nil) if none was marked.
func (c *Client) GetBestArtifact(ctx context.Context, job string) (*Artifact, error) {
	id, err := c.rdb.Get(ctx, BestArtifactKey(c.instanceName, job)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read best artifact ID: %w", err)
	}
	return c.GetArtifact(ctx, id)
}

// GetLatestArtifact retrieves the artifact with the highest round for job.
// Returns (nil, redis.Nil) if the job has no artifacts.
func (c *Client) GetLatestArtifact(ctx context.Context, job string) (*Artifact, error) {
	results, err := c.rdb.ZRevRangeWithScores(ctx, ArtifactRoundsKey(c.instanceName, job), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest artifact: %w", err)
	}

	if len(results) == 0 {
		return nil, redis.Nil
	}

	return c.GetArtifact(ctx, results[0].Member.(string))
}

// ListArtifactVersions returns every artifact recorded for job in round order.
func (c *Client) ListArtifactVersions(ctx context.Context, job string) ([]ArtifactVersion, error) {
	results, err := c.rdb.ZRangeWithScores(ctx, ArtifactRoundsKey(c.instanceName, job), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact versions: %w", err)
	}

	versions := make([]ArtifactVersion, 0, len(results))
	for _, z := range results {
		versions = append(versions, ArtifactVersion{
			ArtifactID: z.Member.(string),
			Round:      RoundFromScore(z.Score),
		})
	}
	return versions, nil
}

// Subscription represents an active Pub/Sub subscription delivering decoded events.
// Caller must call Close() when done to clean up resources.
type Subscription[T any] struct {
	events <-chan *T
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription[T]) Events() <-chan *T {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures; the subscription continues after them.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription[T]) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeTasks subscribes to the tasks published for siteID.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeTasks(ctx context.Context, siteID string) (*Subscription[Task], error) {
	return subscribe[Task](ctx, c.rdb, SiteTasksChannel(c.instanceName, siteID), "task")
}

// SubscribeResults subscribes to result events for this instance.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeResults(ctx context.Context) (*Subscription[Result], error) {
	return subscribe[Result](ctx, c.rdb, ResultEventsChannel(c.instanceName), "result")
}

// subscribe opens a Pub/Sub subscription and waits for Redis to confirm it, so
// that anything published after it returns is delivered.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub (at-most-once delivery).
func subscribe[T any](ctx context.Context, rdb *redis.Client, channel, kind string) (*Subscription[T], error) {
	pubsub := rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", kind, err)
	}

	eventsChan := make(chan *T, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event T
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					// Send error on error channel, skip message
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal %s event: %w", kind, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription[T]{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// Use this to check if GetTask, GetArtifact or GetBestArtifact returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
