package admission

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// Counters holds the per-IP connection counts and question windows the gate
// checks against. Each method checks and records in one atomic step.
type Counters interface {
	AcquireConnection(ctx context.Context, ip string, max int) (bool, error)
	ReleaseConnection(ctx context.Context, ip string) error
	AllowQuestion(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

// LocalCounters keeps counters in process memory. Limits are enforced per
// server process.
type LocalCounters struct {
	mu        sync.Mutex
	now       func() time.Time
	conns     map[string]int
	questions map[string][]time.Time
	lastSweep time.Time
}

// NewLocalCounters creates empty process-local counters.
func NewLocalCounters() *LocalCounters {
	return &LocalCounters{
		now:       time.Now,
		conns:     make(map[string]int),
		questions: make(map[string][]time.Time),
	}
}

// SetClock replaces the time source used for question windows.
func (c *LocalCounters) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *LocalCounters) AcquireConnection(_ context.Context, ip string, max int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[ip] >= max {
		return false, nil
	}
	c.conns[ip]++
	return true, nil
}

func (c *LocalCounters) ReleaseConnection(_ context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[ip] <= 1 {
		delete(c.conns, ip)
		return nil
	}
	c.conns[ip]--
	return nil
}

func (c *LocalCounters) AllowQuestion(_ context.Context, ip string, limit int, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cutoff := now.Add(-window)
	if now.Sub(c.lastSweep) >= window {
		c.sweepLocked(cutoff)
		c.lastSweep = now
	}

	kept := trimWindow(c.questions[ip], cutoff)
	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(c.questions, ip)
		} else {
			c.questions[ip] = kept
		}
		return false, nil
	}
	c.questions[ip] = append(kept, now)
	return true, nil
}

// TrackedIPs returns how many IPs hold a question window.
func (c *LocalCounters) TrackedIPs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.questions)
}

// sweepLocked drops the windows of IPs with no event after cutoff.
func (c *LocalCounters) sweepLocked(cutoff time.Time) {
	for ip, events := range c.questions {
		if kept := trimWindow(events, cutoff); len(kept) == 0 {
			delete(c.questions, ip)
		} else {
			c.questions[ip] = kept
		}
	}
}

func trimWindow(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

// StoreCounters keeps counters in the shared state store so limits hold
// across every server process.
type StoreCounters struct {
	store *store.Store
}

// NewStoreCounters creates counters backed by s.
func NewStoreCounters(s *store.Store) *StoreCounters {
	return &StoreCounters{store: s}
}

func (c *StoreCounters) AcquireConnection(ctx context.Context, ip string, max int) (bool, error) {
	return c.store.AcquireConnectionSlot(ctx, ip, max)
}

func (c *StoreCounters) ReleaseConnection(ctx context.Context, ip string) error {
	return c.store.ReleaseConnectionSlot(ctx, ip)
}

func (c *StoreCounters) AllowQuestion(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	return c.store.AllowQuestion(ctx, ip, limit, window)
}
