// Package health aggregates dependency checks for the readiness check.
package health

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// TYPES
// ══════════════════════════════════════════════════════════════════════════════

// CheckFunc performs a single check. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Pinger is implemented by the Postgres connection and the Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// State is the overall outcome.
type State string

const (
	StateUp       State = "up"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Status is the aggregated report served by /readyz.
type Status struct {
	State     State                  `json:"state"`
	Message   string                 `json:"message,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ready reports whether every critical check passed.
func (s Status) Ready() bool { return s.State != StateDown }

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// ErrCheckPanicked is reported for a check that panicked.
var ErrCheckPanicked = errors.New("health check panicked")

// ══════════════════════════════════════════════════════════════════════════════
// CHECKER
// ══════════════════════════════════════════════════════════════════════════════

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks in parallel, each under its own timeout.
// A failing critical check marks the service down; a failing non-critical
// one marks it degraded.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]registered
	startedAt time.Time
	version   string
	timeout   time.Duration
}

// NewChecker creates a checker with a 2s per-check timeout.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:    make(map[string]registered),
		startedAt: time.Now(),
		version:   version,
		timeout:   2 * time.Second,
	}
}

// SetTimeout sets the per-check timeout.
func (c *Checker) SetTimeout(d time.Duration) {
	if d > 0 {
		c.mu.Lock()
		c.timeout = d
		c.mu.Unlock()
	}
}

// Add registers a check whose failure takes the service down.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.add(name, fn, true)
}

// AddOptional registers a check whose failure only degrades the service.
func (c *Checker) AddOptional(name string, fn CheckFunc) {
	c.add(name, fn, false)
}

func (c *Checker) add(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: fn, critical: critical}
}

// Remove unregisters a check.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Check runs every check and aggregates the results.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]registered, len(c.checks))
	for name, r := range c.checks {
		checks[name] = r
	}
	timeout := c.timeout
	c.mu.RUnlock()

	status := Status{
		State:     StateUp,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
		Version:   c.version,
		Timestamp: time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, r := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, r, timeout)
			mu.Lock()
			status.Checks[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	var down, degraded []string
	for name, res := range status.Checks {
		switch {
		case res.Healthy:
		case res.Critical:
			down = append(down, name)
		default:
			degraded = append(degraded, name)
		}
	}
	sort.Strings(down)
	sort.Strings(degraded)

	switch {
	case len(down) > 0:
		status.State = StateDown
		status.Message = "failing: " + strings.Join(append(down, degraded...), ", ")
	case len(degraded) > 0:
		status.State = StateDegraded
		status.Message = "degraded: " + strings.Join(degraded, ", ")
	}
	return status
}

func run(ctx context.Context, r registered, timeout time.Duration) (res CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res.Critical = r.critical
	defer func() {
		if p := recover(); p != nil {
			res.Healthy = false
			res.Message = ErrCheckPanicked.Error()
		}
		res.Duration = time.Since(start).Round(time.Millisecond).String()
	}()

	if err := r.fn(ctx); err != nil {
		res.Message = err.Error()
		return res
	}
	res.Healthy = true
	return res
}
