package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

type entry struct {
	hook     Hook
	priority int
	seq      uint64
	enabled  bool
}

// Pipeline holds registered hooks ordered by priority (higher first, ties by
// registration order). Every mutation publishes a new immutable snapshot, so
// an execution in progress is never affected by concurrent changes.
type Pipeline struct {
	mu      sync.Mutex // serializes writers
	nextSeq uint64
	current atomic.Pointer[[]*entry]
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	p := &Pipeline{}
	empty := []*entry{}
	p.current.Store(&empty)
	return p
}

func (p *Pipeline) snapshot() []*entry {
	return *p.current.Load()
}

// publish stores a sorted copy of entries. Callers hold p.mu.
func (p *Pipeline) publish(entries []*entry) {
	slices.SortStableFunc(entries, func(a, b *entry) int {
		if a.priority != b.priority {
			return b.priority - a.priority
		}
		if a.seq < b.seq {
			return -1
		}
		if a.seq > b.seq {
			return 1
		}
		return 0
	})
	p.current.Store(&entries)
}

func indexOf(entries []*entry, name string) int {
	return slices.IndexFunc(entries, func(e *entry) bool { return e.hook.Name() == name })
}

// Register adds an enabled hook.
func (p *Pipeline) Register(h Hook, priority int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.snapshot()
	if indexOf(cur, h.Name()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateHook, h.Name())
	}
	p.nextSeq++
	next := append(slices.Clone(cur), &entry{hook: h, priority: priority, seq: p.nextSeq, enabled: true})
	p.publish(next)

	slog.Info("Hook registered", "hook", h.Name(), "priority", priority)
	return nil
}

// Unregister removes a hook.
func (p *Pipeline) Unregister(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.snapshot()
	i := indexOf(cur, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHookNotFound, name)
	}
	p.publish(slices.Delete(slices.Clone(cur), i, i+1))

	slog.Info("Hook unregistered", "hook", name)
	return nil
}

// Enable turns a registered hook back on.
func (p *Pipeline) Enable(name string) error {
	return p.setEnabled(name, true)
}

// Disable keeps a hook registered but skips it in later executions.
func (p *Pipeline) Disable(name string) error {
	return p.setEnabled(name, false)
}

func (p *Pipeline) setEnabled(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.snapshot()
	i := indexOf(cur, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrHookNotFound, name)
	}
	next := slices.Clone(cur)
	e := *next[i]
	e.enabled = enabled
	next[i] = &e
	p.publish(next)

	slog.Info("Hook toggled", "hook", name, "enabled", enabled)
	return nil
}

// Get returns a registered hook by name.
func (p *Pipeline) Get(name string) (Hook, bool) {
	cur := p.snapshot()
	if i := indexOf(cur, name); i >= 0 {
		return cur[i].hook, true
	}
	return nil, false
}

// HookInfo describes one registration for admin tooling.
type HookInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
}

// Info lists registrations in execution order.
func (p *Pipeline) Info() []HookInfo {
	cur := p.snapshot()
	out := make([]HookInfo, 0, len(cur))
	for _, e := range cur {
		out = append(out, HookInfo{
			Name:     e.hook.Name(),
			Priority: e.priority,
			Enabled:  e.enabled,
			Type:     fmt.Sprintf("%T", e.hook),
		})
	}
	return out
}

// Len returns the number of registered hooks.
func (p *Pipeline) Len() int {
	return len(p.snapshot())
}

// call invokes fn on one hook, turning a panic into an error.
func call(h Hook, cp Checkpoint, fn func(Hook) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Hook: h.Name(), Checkpoint: cp, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(h); err != nil {
		return &HookError{Hook: h.Name(), Checkpoint: cp, Err: err}
	}
	return nil
}

// run executes fn over enabled hooks of one snapshot. Gating checkpoints stop
// at the first failure; the others run every hook and join the failures.
func (p *Pipeline) run(cp Checkpoint, fn func(Hook) error) error {
	var errs []error
	for _, e := range p.snapshot() {
		if !e.enabled {
			continue
		}
		err := call(e.hook, cp, fn)
		if err == nil {
			continue
		}
		if cp.Gating() {
			slog.Info("Hook rejected checkpoint", "hook", e.hook.Name(), "checkpoint", cp, "error", err)
			return err
		}
		slog.Warn("Hook failed", "hook", e.hook.Name(), "checkpoint", cp, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ExecuteBeforeConnect stops at the first failing hook.
func (p *Pipeline) ExecuteBeforeConnect(ctx context.Context, ev *ConnectEvent) error {
	return p.run(BeforeConnect, func(h Hook) error { return h.BeforeConnect(ctx, ev) })
}

// ExecuteAfterConnect stops at the first failing hook.
func (p *Pipeline) ExecuteAfterConnect(ctx context.Context, ev *ConnectEvent) error {
	return p.run(AfterConnect, func(h Hook) error { return h.AfterConnect(ctx, ev) })
}

// ExecuteBeforeDisconnect runs every hook; failures are logged and joined.
func (p *Pipeline) ExecuteBeforeDisconnect(ctx context.Context, ev *DisconnectEvent) error {
	return p.run(BeforeDisconnect, func(h Hook) error { return h.BeforeDisconnect(ctx, ev) })
}

// ExecuteAfterDisconnect runs every hook; failures are logged and joined.
func (p *Pipeline) ExecuteAfterDisconnect(ctx context.Context, ev *DisconnectEvent) error {
	return p.run(AfterDisconnect, func(h Hook) error { return h.AfterDisconnect(ctx, ev) })
}

// ExecuteBeforeQuestion stops at the first failing hook.
func (p *Pipeline) ExecuteBeforeQuestion(ctx context.Context, ev *QuestionEvent) error {
	return p.run(BeforeQuestion, func(h Hook) error { return h.BeforeQuestion(ctx, ev) })
}

// ExecuteAfterQuestion runs every hook; failures are logged and joined. The
// task has already been submitted, so a failure never retracts it.
func (p *Pipeline) ExecuteAfterQuestion(ctx context.Context, ev *QuestionEvent) error {
	return p.run(AfterQuestion, func(h Hook) error { return h.AfterQuestion(ctx, ev) })
}
