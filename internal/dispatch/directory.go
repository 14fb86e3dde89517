package dispatch

import (
	"context"
	"sync"
)

// Driver is the directory's view of a driver: eligibility flags plus the
// public fields shown to customers.
type Driver struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	Active        bool   `json:"active"`
	AcceptingJobs bool   `json:"acceptingJobs"`
}

// Eligible reports whether the driver may take new legs.
func (d Driver) Eligible() bool {
	return d.Active && d.AcceptingJobs
}

// DriverDirectory resolves drivers for assignment checks and display.
type DriverDirectory interface {
	Get(ctx context.Context, id string) (Driver, bool, error)
	List(ctx context.Context) ([]Driver, error)
}

// InMemoryDirectory keeps drivers in memory, for tests and DB-less runs.
type InMemoryDirectory struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{drivers: make(map[string]Driver)}
}

func (d *InMemoryDirectory) Upsert(drv Driver) {
	d.mu.Lock()
	d.drivers[drv.ID] = drv
	d.mu.Unlock()
}

func (d *InMemoryDirectory) Get(ctx context.Context, id string) (Driver, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv, ok := d.drivers[id]
	return drv, ok, nil
}

func (d *InMemoryDirectory) List(ctx context.Context) ([]Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Driver, 0, len(d.drivers))
	for _, drv := range d.drivers {
		out = append(out, drv)
	}
	return out, nil
}
