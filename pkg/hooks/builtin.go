package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
)

// Built-in hook names and default priorities.
const (
	AuthHookName       = "auth"
	StorageHookName    = "storage"
	MonitoringHookName = "monitoring"
	AnalyticsHookName  = "analytics"

	AuthPriority       = 100
	StoragePriority    = 50
	MonitoringPriority = 10
	AnalyticsPriority  = 1
)

// ConnectionGate is the admission surface the auth hook needs.
type ConnectionGate interface {
	VerifyConnection(ctx context.Context, ip string) error
	ReleaseConnection(ctx context.Context, ip string)
	VerifyQuestion(ctx context.Context, ip, sessionID, question string) error
}

// AuthHook applies admission control to connects and questions.
type AuthHook struct {
	Base
	gate ConnectionGate

	mu       sync.Mutex
	admitted map[string]string // session -> ip
}

// NewAuthHook creates the auth hook.
func NewAuthHook(gate ConnectionGate) *AuthHook {
	return &AuthHook{gate: gate, admitted: make(map[string]string)}
}

func (h *AuthHook) Name() string { return AuthHookName }

func (h *AuthHook) BeforeConnect(ctx context.Context, ev *ConnectEvent) error {
	if err := h.gate.VerifyConnection(ctx, ev.ClientIP); err != nil {
		return err
	}
	h.mu.Lock()
	h.admitted[ev.SessionID] = ev.ClientIP
	h.mu.Unlock()
	return nil
}

// AfterDisconnect releases the slot only for sessions this hook admitted.
func (h *AuthHook) AfterDisconnect(ctx context.Context, ev *DisconnectEvent) error {
	h.mu.Lock()
	ip, ok := h.admitted[ev.SessionID]
	delete(h.admitted, ev.SessionID)
	h.mu.Unlock()
	if ok {
		h.gate.ReleaseConnection(ctx, ip)
	}
	return nil
}

func (h *AuthHook) BeforeQuestion(ctx context.Context, ev *QuestionEvent) error {
	return h.gate.VerifyQuestion(ctx, ev.ClientIP, ev.SessionID, ev.Question)
}

// SessionStore is the persistence surface the storage hook needs.
type SessionStore interface {
	StoreSession(ctx context.Context, sess *models.Session) error
	CleanupSession(ctx context.Context, sessionID string) error
	StoreQuestion(ctx context.Context, sessionID, question string) error
}

// StorageHook persists sessions and questions.
type StorageHook struct {
	Base
	store  SessionStore
	policy config.StorageConnectPolicy
}

// NewStorageHook creates the storage hook. An empty policy means fail open.
func NewStorageHook(store SessionStore, policy config.StorageConnectPolicy) *StorageHook {
	if policy == "" {
		policy = config.StoragePolicyFailOpen
	}
	return &StorageHook{store: store, policy: policy}
}

func (h *StorageHook) Name() string { return StorageHookName }

func (h *StorageHook) AfterConnect(ctx context.Context, ev *ConnectEvent) error {
	err := h.store.StoreSession(ctx, &models.Session{
		ID:          ev.SessionID,
		ConnectedAt: ev.ConnectedAt,
		ClientIP:    ev.ClientIP,
		UserAgent:   ev.UserAgent,
		ServerID:    ev.ServerID,
	})
	if err == nil {
		return nil
	}
	if h.policy == config.StoragePolicyFailClosed {
		return err
	}
	slog.Warn("Failed to persist session, continuing without it",
		"session_id", ev.SessionID, "error", err)
	return nil
}

func (h *StorageHook) AfterDisconnect(ctx context.Context, ev *DisconnectEvent) error {
	return h.store.CleanupSession(ctx, ev.SessionID)
}

func (h *StorageHook) AfterQuestion(ctx context.Context, ev *QuestionEvent) error {
	return h.store.StoreQuestion(ctx, ev.SessionID, ev.Question)
}

// MonitoringStats is a point-in-time view of MonitoringHook counters.
type MonitoringStats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	TotalQuestions    int64 `json:"total_questions"`
}

// MonitoringHook counts connections and questions. Only sessions that
// completed AfterConnect count as active.
type MonitoringHook struct {
	Base
	live        sync.Map // session id -> struct{}
	active      atomic.Int64
	connects    atomic.Int64
	disconnects atomic.Int64
	questions   atomic.Int64
}

func NewMonitoringHook() *MonitoringHook { return &MonitoringHook{} }

func (h *MonitoringHook) Name() string { return MonitoringHookName }

func (h *MonitoringHook) AfterConnect(_ context.Context, ev *ConnectEvent) error {
	if _, loaded := h.live.LoadOrStore(ev.SessionID, struct{}{}); !loaded {
		h.active.Add(1)
	}
	h.connects.Add(1)
	return nil
}

func (h *MonitoringHook) AfterDisconnect(_ context.Context, ev *DisconnectEvent) error {
	if _, ok := h.live.LoadAndDelete(ev.SessionID); ok {
		h.active.Add(-1)
		h.disconnects.Add(1)
	}
	return nil
}

func (h *MonitoringHook) AfterQuestion(context.Context, *QuestionEvent) error {
	h.questions.Add(1)
	return nil
}

func (h *MonitoringHook) Stats() MonitoringStats {
	return MonitoringStats{
		ActiveConnections: h.active.Load(),
		TotalConnections:  h.connects.Load(),
		TotalDisconnects:  h.disconnects.Load(),
		TotalQuestions:    h.questions.Load(),
	}
}

// Question categories counted by AnalyticsHook.
const (
	CategoryInquiry   = "inquiry"
	CategoryReason    = "reason"
	CategoryProcedure = "procedure"
	CategoryOther     = "other"
)

var categoryMarkers = []struct {
	category string
	markers  []string
}{
	{CategoryReason, []string{"why", "为什么", "原因"}},
	{CategoryProcedure, []string{"怎么", "步骤", "steps"}},
	{CategoryInquiry, []string{"what", "how", "什么", "如何"}},
}

// Classify assigns a question to a coarse category by keyword.
func Classify(question string) string {
	q := strings.ToLower(question)
	for _, c := range categoryMarkers {
		for _, m := range c.markers {
			if strings.Contains(q, m) {
				return c.category
			}
		}
	}
	return CategoryOther
}

// AnalyticsHook counts submitted questions per category.
type AnalyticsHook struct {
	Base
	mu     sync.Mutex
	counts map[string]int64
}

func NewAnalyticsHook() *AnalyticsHook {
	return &AnalyticsHook{counts: make(map[string]int64)}
}

func (h *AnalyticsHook) Name() string { return AnalyticsHookName }

func (h *AnalyticsHook) AfterQuestion(_ context.Context, ev *QuestionEvent) error {
	cat := Classify(ev.Question)
	h.mu.Lock()
	h.counts[cat]++
	h.mu.Unlock()
	return nil
}

// Counts returns a copy of the per-category counters.
func (h *AnalyticsHook) Counts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.counts)
}

// Registration pairs a hook with its default priority.
type Registration struct {
	Hook     Hook
	Priority int
}

// Builtins returns the standard hook set with default priorities.
func Builtins(gate ConnectionGate, store SessionStore, cfg *config.HooksConfig) []Registration {
	return []Registration{
		{Hook: NewAuthHook(gate), Priority: AuthPriority},
		{Hook: NewStorageHook(store, cfg.StorageConnectPolicy), Priority: StoragePriority},
		{Hook: NewMonitoringHook(), Priority: MonitoringPriority},
		{Hook: NewAnalyticsHook(), Priority: AnalyticsPriority},
	}
}

// Build creates a pipeline from regs, applying priority overrides and the
// disabled list from cfg. Names in cfg that match no registration are errors.
func Build(cfg *config.HooksConfig, regs ...Registration) (*Pipeline, error) {
	p := NewPipeline()
	for _, r := range regs {
		prio := r.Priority
		if override, ok := cfg.Priorities[r.Hook.Name()]; ok {
			prio = override
		}
		if err := p.Register(r.Hook, prio); err != nil {
			return nil, err
		}
	}
	for name := range cfg.Priorities {
		if _, ok := p.Get(name); !ok {
			return nil, fmt.Errorf("priority override: %w: %s", ErrHookNotFound, name)
		}
	}
	for _, name := range slices.Sorted(slices.Values(cfg.Disabled)) {
		if err := p.Disable(name); err != nil {
			return nil, fmt.Errorf("disabled list: %w", err)
		}
	}
	return p, nil
}
