package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
)

// TaskStore is the store surface the broadcaster needs.
type TaskStore interface {
	GetTaskStatus(ctx context.Context, sessionID, taskID string) (*models.Task, error)
	StoreAnswer(ctx context.Context, sessionID, taskID, answer string) error
}

// Attempt is one delivery attempt as reported to an observer.
type Attempt struct {
	TaskID     string
	SessionID  string
	State      models.TaskState
	Seq        int64
	Provenance Provenance
	Outcome    Outcome
}

// Observer is called synchronously after every delivery attempt.
type Observer func(Attempt)

// DeliveryStats counts attempts by provenance and outcome.
type DeliveryStats struct {
	Attempts       map[Provenance]map[Outcome]int64 `json:"attempts"`
	Published      int64                            `json:"published"`
	PublishErrors  int64                            `json:"publish_errors"`
	AnswersStored  int64                            `json:"answers_stored"`
	AnswerErrors   int64                            `json:"answer_errors"`
	TrackedTasks   int                              `json:"tracked_tasks"`
	InvalidDropped int64                            `json:"invalid_dropped"`
}

// Broadcaster delivers task events to client rooms over both paths and
// keeps the delivery ledger.
type Broadcaster struct {
	registry  *Registry
	publisher Publisher
	store     TaskStore
	origin    string
	cfg       *config.DeliveryConfig
	ledger    *ledger

	observerMu sync.RWMutex
	observer   Observer

	statsMu  sync.Mutex
	attempts map[Provenance]map[Outcome]int64

	published     atomic.Int64
	publishErrors atomic.Int64
	answersStored atomic.Int64
	answerErrors  atomic.Int64
	invalid       atomic.Int64

	persistWG sync.WaitGroup
}

// NewBroadcaster creates a broadcaster. publisher may be nil, which disables
// the broadcast path. origin identifies this process in envelopes.
func NewBroadcaster(registry *Registry, publisher Publisher, store TaskStore, origin string, cfg *config.DeliveryConfig) *Broadcaster {
	return &Broadcaster{
		registry:  registry,
		publisher: publisher,
		store:     store,
		origin:    origin,
		cfg:       cfg,
		ledger:    newLedger(),
		attempts:  make(map[Provenance]map[Outcome]int64),
	}
}

// SetObserver installs a callback for every delivery attempt.
func (b *Broadcaster) SetObserver(o Observer) {
	b.observerMu.Lock()
	defer b.observerMu.Unlock()
	b.observer = o
}

// Deliver sends ev over the direct path and publishes it on the broadcast
// channel. Both paths are always attempted; failures are logged, never
// returned. A successful question result is appended to history in the
// background.
func (b *Broadcaster) Deliver(ctx context.Context, ev models.TaskEvent) {
	if err := ev.Validate(); err != nil {
		b.invalid.Add(1)
		slog.Error("Dropping invalid task event", "task_id", ev.TaskID, "error", err)
		return
	}

	b.deliverLocal(ctx, ev, ProvenanceDirect)
	b.publish(ctx, ev)

	if ev.State == models.TaskStateSuccess && ev.Kind != models.TaskKindSuggestion {
		b.persistAnswer(ev)
	}
}

// HandleBroadcast processes one payload received from the broadcast channel.
// Events for rooms this process does not hold are ignored.
func (b *Broadcaster) HandleBroadcast(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		slog.Warn("Invalid broadcast payload", "error", err)
		return
	}
	if env.Namespace != "" && env.Namespace != DefaultNamespace {
		return
	}

	if env.Event != EventTaskUpdate {
		if !b.registry.HasRoom(env.Room) {
			return
		}
		if _, err := b.registry.Emit(ctx, env.Room, env.Event, env.Data); err != nil {
			slog.Warn("Failed to re-emit broadcast", "event", env.Event, "room", env.Room, "error", err)
		}
		return
	}

	var ev models.TaskEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		slog.Warn("Invalid task event in broadcast", "room", env.Room, "error", err)
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = env.Room
	}
	if !b.registry.HasRoom(ev.SessionID) {
		b.record(ev, ProvenanceBroadcast, OutcomeNoRoom)
		return
	}
	if env.Truncated {
		full, err := b.rehydrate(ctx, ev)
		if err != nil {
			slog.Warn("Failed to rehydrate truncated task event",
				"task_id", ev.TaskID, "session_id", ev.SessionID, "error", err)
			return
		}
		ev = full
	}
	if err := ev.Validate(); err != nil {
		b.invalid.Add(1)
		slog.Warn("Dropping invalid broadcast task event", "task_id", ev.TaskID, "error", err)
		return
	}
	b.deliverLocal(ctx, ev, ProvenanceBroadcast)
}

// Reconcile delivers an event recovered from the store. If no local
// connection holds the room it is published for the other processes.
func (b *Broadcaster) Reconcile(ctx context.Context, ev models.TaskEvent) Outcome {
	out := b.deliverLocal(ctx, ev, ProvenanceReconcile)
	if out == OutcomeNoRoom {
		b.publish(ctx, ev)
	}
	return out
}

// TerminalDelivered reports whether the terminal event of taskID already
// reached a local room.
func (b *Broadcaster) TerminalDelivered(taskID string) bool {
	return b.ledger.terminalDelivered(taskID)
}

// PruneLedger forgets delivery records idle for longer than the ledger TTL.
func (b *Broadcaster) PruneLedger() int {
	return b.ledger.prune(b.cfg.LedgerTTL)
}

// Wait blocks until background answer writes finish.
func (b *Broadcaster) Wait() {
	b.persistWG.Wait()
}

// Stats returns a snapshot of delivery counters.
func (b *Broadcaster) Stats() DeliveryStats {
	b.statsMu.Lock()
	attempts := make(map[Provenance]map[Outcome]int64, len(b.attempts))
	for p, outcomes := range b.attempts {
		cp := make(map[Outcome]int64, len(outcomes))
		for o, n := range outcomes {
			cp[o] = n
		}
		attempts[p] = cp
	}
	b.statsMu.Unlock()

	return DeliveryStats{
		Attempts:       attempts,
		Published:      b.published.Load(),
		PublishErrors:  b.publishErrors.Load(),
		AnswersStored:  b.answersStored.Load(),
		AnswerErrors:   b.answerErrors.Load(),
		TrackedTasks:   b.ledger.len(),
		InvalidDropped: b.invalid.Load(),
	}
}

func (b *Broadcaster) deliverLocal(ctx context.Context, ev models.TaskEvent, prov Provenance) Outcome {
	if !b.registry.HasRoom(ev.SessionID) {
		b.record(ev, prov, OutcomeNoRoom)
		return OutcomeNoRoom
	}

	e := b.ledger.entry(ev.TaskID)
	e.mu.Lock()
	if e.terminal || ev.Seq <= e.lastSeq {
		e.mu.Unlock()
		b.record(ev, prov, OutcomeSuppressed)
		return OutcomeSuppressed
	}
	sent, err := b.registry.Emit(ctx, ev.SessionID, EventTaskUpdate, ev)
	if err != nil || sent == 0 {
		e.mu.Unlock()
		if err != nil {
			slog.Warn("Failed to emit task update", "task_id", ev.TaskID, "error", err)
		}
		b.record(ev, prov, OutcomeNoRoom)
		return OutcomeNoRoom
	}
	e.lastSeq = ev.Seq
	e.terminal = ev.State.IsTerminal()
	e.mu.Unlock()

	b.record(ev, prov, OutcomeDelivered)
	return OutcomeDelivered
}

func (b *Broadcaster) publish(ctx context.Context, ev models.TaskEvent) {
	if b.publisher == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.publishErrors.Add(1)
		slog.Error("Failed to marshal task event", "task_id", ev.TaskID, "error", err)
		return
	}
	env := &Envelope{
		Event:     EventTaskUpdate,
		Data:      data,
		Room:      ev.SessionID,
		Namespace: DefaultNamespace,
		Origin:    b.origin,
	}
	if err := b.publisher.Publish(ctx, env); err != nil {
		b.publishErrors.Add(1)
		slog.Warn("Failed to publish task event",
			"task_id", ev.TaskID, "session_id", ev.SessionID, "state", ev.State, "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Broadcaster) rehydrate(ctx context.Context, ev models.TaskEvent) (models.TaskEvent, error) {
	if ev.TaskID == "" {
		return ev, errors.New("truncated event has no task id")
	}
	task, err := b.store.GetTaskStatus(ctx, ev.SessionID, ev.TaskID)
	if err != nil {
		return ev, fmt.Errorf("get task status: %w", err)
	}
	return task.Event(), nil
}

// persistAnswer appends a successful answer to session history without
// blocking delivery. Failures are logged and counted.
func (b *Broadcaster) persistAnswer(ev models.TaskEvent) {
	answer, ok := models.ExtractAnswer(ev.Result)
	if !ok || b.store == nil {
		return
	}
	b.persistWG.Add(1)
	go func() {
		defer b.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PersistAnswerTimeout)
		defer cancel()
		if err := b.store.StoreAnswer(ctx, ev.SessionID, ev.TaskID, answer.Answer); err != nil {
			b.answerErrors.Add(1)
			slog.Warn("Failed to persist answer",
				"task_id", ev.TaskID, "session_id", ev.SessionID, "error", err)
			return
		}
		b.answersStored.Add(1)
	}()
}

func (b *Broadcaster) record(ev models.TaskEvent, prov Provenance, out Outcome) {
	b.statsMu.Lock()
	if b.attempts[prov] == nil {
		b.attempts[prov] = make(map[Outcome]int64)
	}
	b.attempts[prov][out]++
	b.statsMu.Unlock()

	if out == OutcomeSuppressed {
		slog.Debug("Suppressed duplicate task event",
			"task_id", ev.TaskID, "seq", ev.Seq, "provenance", prov)
	}

	b.observerMu.RLock()
	o := b.observer
	b.observerMu.RUnlock()
	if o != nil {
		o(Attempt{
			TaskID:     ev.TaskID,
			SessionID:  ev.SessionID,
			State:      ev.State,
			Seq:        ev.Seq,
			Provenance: prov,
			Outcome:    out,
		})
	}
}
