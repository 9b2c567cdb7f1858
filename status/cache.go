// Package status mirrors run and worker state to Redis so external
// dashboards can watch a run without touching the output directories.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statusTTL = 24 * time.Hour

// Cache is a nil-safe status mirror; a nil *Cache ignores every call, which
// is how the integration stays optional.
type Cache struct {
	client *redis.Client
	runID  string
}

// New connects a status cache for one run. An empty addr disables it.
func New(addr, runID string) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		runID:  runID,
	}
}

// SetPhase records the run's current phase.
func (c *Cache) SetPhase(ctx context.Context, phase string) error {
	if c == nil {
		return nil
	}
	key := fmt.Sprintf("run:%s:phase", c.runID)
	return c.client.Set(ctx, key, phase, statusTTL).Err()
}

// SetWorkerState records one supervisor's lifecycle state.
func (c *Cache) SetWorkerState(ctx context.Context, ordinal int, state string) error {
	if c == nil {
		return nil
	}
	key := fmt.Sprintf("run:%s:worker:%d", c.runID, ordinal)
	return c.client.Set(ctx, key, state, statusTTL).Err()
}

// Publish implements the progress sink: the aggregate counter as
// "completed/total".
func (c *Cache) Publish(ctx context.Context, completed, total int) error {
	if c == nil {
		return nil
	}
	key := fmt.Sprintf("run:%s:progress", c.runID)
	return c.client.Set(ctx, key, fmt.Sprintf("%d/%d", completed, total), statusTTL).Err()
}

// Close releases the connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
