package health

import (
	"context"
	"database/sql"
	"sync"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check represents a single named health check.
type Check interface {
	Check(ctx context.Context) error
	Name() string
}

// Checker manages a set of health checks.
type Checker struct {
	checks []Check
	mu     sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make([]Check, 0),
	}
}

// Register adds a new health check.
func (hc *Checker) Register(check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check runs all registered checks and returns the per-check result.
func (hc *Checker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Pinger is anything that can be pinged for liveness, such as the Redis client.
type Pinger interface {
	IsAvailable(ctx context.Context) error
}

// PingCheck adapts a Pinger into a health check.
type PingCheck struct {
	name   string
	pinger Pinger
}

func NewPingCheck(name string, pinger Pinger) *PingCheck {
	return &PingCheck{name: name, pinger: pinger}
}

func (p *PingCheck) Check(ctx context.Context) error {
	return p.pinger.IsAvailable(ctx)
}

func (p *PingCheck) Name() string {
	return p.name
}

// DatabaseCheck checks SQL database connectivity.
type DatabaseCheck struct {
	name string
	db   *sql.DB
}

func NewDatabaseCheck(name string, db *sql.DB) *DatabaseCheck {
	return &DatabaseCheck{name: name, db: db}
}

func (d *DatabaseCheck) Check(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseCheck) Name() string {
	return d.name
}
