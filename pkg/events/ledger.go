package events

import (
	"sync"
	"time"
)

// Provenance names the physical path that carried a delivery attempt.
type Provenance string

const (
	ProvenanceDirect    Provenance = "direct"
	ProvenanceBroadcast Provenance = "broadcast"
	ProvenanceReconcile Provenance = "reconcile"
)

// Outcome is what happened to a delivery attempt.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeNoRoom     Outcome = "no_room"
)

type ledgerEntry struct {
	// mu is held across Registry.Emit so two paths delivering the same task
	// cannot reorder frames. Client.Send only queues the frame, so a slow
	// connection does not hold it.
	mu       sync.Mutex
	lastSeq  int64
	terminal bool
	touched  time.Time
}

// ledger records per task the last delivered seq and whether the terminal
// event went out.
type ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	now     func() time.Time
}

func newLedger() *ledger {
	return &ledger{entries: make(map[string]*ledgerEntry), now: time.Now}
}

func (l *ledger) entry(taskID string) *ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[taskID]
	if !ok {
		e = &ledgerEntry{}
		l.entries[taskID] = e
	}
	e.touched = l.now()
	return e
}

// terminalDelivered reports whether the terminal event of taskID was
// delivered by this process.
func (l *ledger) terminalDelivered(taskID string) bool {
	l.mu.Lock()
	e, ok := l.entries[taskID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

// prune forgets entries idle for longer than ttl.
func (l *ledger) prune(ttl time.Duration) int {
	cutoff := l.now().Add(-ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		if e.touched.Before(cutoff) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

func (l *ledger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
