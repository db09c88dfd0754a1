package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/transport"
)

// ErrNotEnoughSites is returned by WaitForSites when fewer than the required
// number of sites joined before the deadline.
var ErrNotEnoughSites = errors.New("not enough sites joined")

// WaitForSites polls tr every interval until at least minSites sites are
// known. Each newly joined site is logged once, and a waiting message is
// logged every 5 seconds.
//
// Returns:
//   - []string: the sites known when the wait ended
//   - error: ErrNotEnoughSites when timeout elapses first, ctx.Err() when
//     cancelled, or the transport's error
func WaitForSites(ctx context.Context, tr transport.Transport, minSites int, interval, timeout time.Duration, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	waitStart := time.Now()
	lastLogTime := waitStart
	seen := make(map[string]bool)

	for {
		sites, err := tr.Sites(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sites: %w", err)
		}

		for _, site := range sites {
			if !seen[site] {
				logger.Info("site joined", zap.String("site", site), zap.String("event_type", "site_joined"))
				seen[site] = true
			}
		}

		if len(sites) >= minSites {
			logger.Info("sites ready",
				zap.Int("sites", len(sites)),
				zap.Int("required", minSites),
				zap.Duration("waited", time.Since(waitStart).Round(time.Millisecond)))
			return sites, nil
		}

		if time.Since(lastLogTime) >= 5*time.Second {
			logger.Info("waiting for sites",
				zap.Int("joined", len(sites)),
				zap.Int("required", minSites),
				zap.Duration("waited", time.Since(waitStart).Round(time.Second)))
			lastLogTime = time.Now()
		}

		select {
		case <-ctx.Done():
			return sites, ctx.Err()
		case <-deadline:
			return sites, fmt.Errorf("%w: %d of %d after %s", ErrNotEnoughSites, len(sites), minSites, timeout)
		case <-ticker.C:
		}
	}
}
