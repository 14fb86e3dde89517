// Package jobcount tracks how many legs a driver took on a given day.
// Counts are advisory, surfaced on the dispatch overview; they are not a
// hard cap in assignment.
package jobcount

import (
	"context"
	"sync"
	"time"
)

type Counter interface {
	Incr(ctx context.Context, driverID string, day time.Time) (int64, error)
	Get(ctx context.Context, driverID string, day time.Time) (int64, error)
}

// InMemoryCounter provides a simple fallback counter.
type InMemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewInMemoryCounter() *InMemoryCounter {
	return &InMemoryCounter{counts: make(map[string]int64)}
}

func (c *InMemoryCounter) Incr(ctx context.Context, driverID string, day time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := memKey(driverID, day)
	c.counts[k]++
	return c.counts[k], nil
}

func (c *InMemoryCounter) Get(ctx context.Context, driverID string, day time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[memKey(driverID, day)], nil
}

func memKey(driverID string, day time.Time) string {
	return driverID + ":" + day.Format("2006-01-02")
}
