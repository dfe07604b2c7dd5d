package admission

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCounters struct{ mock.Mock }

func (m *mockCounters) AcquireConnection(ctx context.Context, ip string, max int) (bool, error) {
	args := m.Called(ctx, ip, max)
	return args.Bool(0), args.Error(1)
}

func (m *mockCounters) ReleaseConnection(ctx context.Context, ip string) error {
	return m.Called(ctx, ip).Error(0)
}

func (m *mockCounters) AllowQuestion(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, ip, limit, window)
	return args.Bool(0), args.Error(1)
}

func newTestGate(t *testing.T) (*Gate, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counters := NewLocalCounters()
	counters.SetClock(func() time.Time { return now })
	return NewGate(config.DefaultAdmissionConfig(), counters), &now
}

func TestGate_ConnectionLimit(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, gate.VerifyConnection(ctx, "1.2.3.4"), "connection %d", i+1)
	}

	err := gate.VerifyConnection(ctx, "1.2.3.4")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	rej, ok := IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, ReasonTooManyConnections, rej.Reason)

	// Other IPs are unaffected.
	require.NoError(t, gate.VerifyConnection(ctx, "5.6.7.8"))

	gate.ReleaseConnection(ctx, "1.2.3.4")
	require.NoError(t, gate.VerifyConnection(ctx, "1.2.3.4"))

	st := gate.Stats()
	assert.Equal(t, 11, st.TotalConnections)
	assert.Equal(t, 2, st.UniqueIPs)
	assert.Equal(t, 10, st.ConnectionCounts["1.2.3.4"])
}

func TestGate_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	counters := &mockCounters{}
	gate := NewGate(config.DefaultAdmissionConfig(), counters)

	gate.ReleaseConnection(context.Background(), "1.2.3.4")
	counters.AssertNotCalled(t, "ReleaseConnection", mock.Anything, mock.Anything)
}

func TestGate_BlockedIP(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	gate.BlockIP("6.6.6.6", "abuse")
	rej, ok := IsRejected(gate.VerifyConnection(ctx, "6.6.6.6"))
	require.True(t, ok)
	assert.Equal(t, ReasonBlockedIP, rej.Reason)

	st := gate.Stats()
	assert.Equal(t, 1, st.BlockedIPs)
	assert.Equal(t, []string{"6.6.6.6"}, st.BlockedIPList)
	assert.Equal(t, "abuse", st.BlockReasons["6.6.6.6"])

	assert.True(t, gate.UnblockIP("6.6.6.6"))
	assert.False(t, gate.UnblockIP("6.6.6.6"))
	require.NoError(t, gate.VerifyConnection(ctx, "6.6.6.6"))
}

func TestGate_ConfiguredBlocklist(t *testing.T) {
	cfg := config.DefaultAdmissionConfig()
	cfg.BlockedIPs = []string{"9.9.9.9"}
	gate := NewGate(cfg, nil)
	assert.True(t, gate.IsBlocked("9.9.9.9"))
}

func TestGate_VerifyQuestion(t *testing.T) {
	tests := []struct {
		name       string
		question   string
		validation bool
		reason     Reason
	}{
		{name: "ok", question: "今天天气"},
		{name: "two runes", question: "天气"},
		{name: "too short", question: "a", validation: true},
		{name: "whitespace only", question: "   ", validation: true},
		{name: "too long", question: strings.Repeat("x", 1001), validation: true},
		{name: "max length in runes", question: strings.Repeat("天", 1000)},
		{name: "blocked term", question: "buy SPAM now", reason: ReasonBlockedTerm},
		{name: "blocked chinese term", question: "这是广告吗", reason: ReasonBlockedTerm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _ := newTestGate(t)
			err := gate.VerifyQuestion(context.Background(), "1.2.3.4", "s1", tt.question)

			switch {
			case tt.validation:
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.ErrorIs(t, err, ErrValidation)
				assert.False(t, errors.Is(err, ErrRejected))
			case tt.reason != "":
				rej, ok := IsRejected(err)
				require.True(t, ok)
				assert.Equal(t, tt.reason, rej.Reason)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestGate_QuestionRateLimitSlides(t *testing.T) {
	gate, now := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "question"))
		*now = now.Add(10 * time.Second)
	}

	rej, ok := IsRejected(gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "question"))
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimited, rej.Reason)

	// Rejected and invalid questions don't consume slots.
	_ = gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "x")

	// Window is [now-60s, now]; the first question leaves it at t=60s.
	*now = now.Add(10 * time.Second)
	require.NoError(t, gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "question"))

	rej, ok = IsRejected(gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "question"))
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimited, rej.Reason)

	// A different IP has its own window.
	require.NoError(t, gate.VerifyQuestion(ctx, "5.6.7.8", "s2", "question"))
}

func TestGate_CounterFailureFailsOpen(t *testing.T) {
	counters := &mockCounters{}
	counters.On("AcquireConnection", mock.Anything, "1.2.3.4", 10).Return(false, store.ErrUnavailable)
	counters.On("AllowQuestion", mock.Anything, "1.2.3.4", 5, time.Minute).Return(false, store.ErrUnavailable)

	gate := NewGate(config.DefaultAdmissionConfig(), counters)
	ctx := context.Background()

	assert.NoError(t, gate.VerifyConnection(ctx, "1.2.3.4"))
	assert.NoError(t, gate.VerifyQuestion(ctx, "1.2.3.4", "s1", "question"))
	assert.Equal(t, 1, gate.Stats().TotalConnections)

	// The admission held no counter slot, so none is given back.
	gate.ReleaseConnection(ctx, "1.2.3.4")
	assert.Equal(t, 0, gate.Stats().TotalConnections)
	counters.AssertExpectations(t)
	counters.AssertNotCalled(t, "ReleaseConnection", mock.Anything, mock.Anything)
}

func TestGate_ReleaseOnlyMeteredSlots(t *testing.T) {
	counters := &mockCounters{}
	counters.On("AcquireConnection", mock.Anything, "1.2.3.4", 10).Return(false, store.ErrUnavailable).Once()
	counters.On("AcquireConnection", mock.Anything, "1.2.3.4", 10).Return(true, nil).Once()
	counters.On("ReleaseConnection", mock.Anything, "1.2.3.4").Return(nil).Once()

	gate := NewGate(config.DefaultAdmissionConfig(), counters)
	ctx := context.Background()

	require.NoError(t, gate.VerifyConnection(ctx, "1.2.3.4"))
	require.NoError(t, gate.VerifyConnection(ctx, "1.2.3.4"))
	gate.ReleaseConnection(ctx, "1.2.3.4")
	gate.ReleaseConnection(ctx, "1.2.3.4")
	gate.ReleaseConnection(ctx, "1.2.3.4")

	counters.AssertExpectations(t)
	counters.AssertNumberOfCalls(t, "ReleaseConnection", 1)
	assert.Equal(t, 0, gate.Stats().TotalConnections)
}

func TestLocalCounters_PrunesIdleWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counters := NewLocalCounters()
	counters.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		ok, err := counters.AllowQuestion(ctx, ip, 5, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, counters.TrackedIPs())

	now = now.Add(2 * time.Minute)
	ok, err := counters.AllowQuestion(ctx, "10.0.0.9", 5, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, counters.TrackedIPs(), "idle IPs are dropped")
}

func TestGate_StoreCounters(t *testing.T) {
	backend := store.NewMemoryBackend()
	s := store.New(backend, config.DefaultStoreConfig())
	cfg := config.DefaultAdmissionConfig()
	cfg.MaxConnectionsPerIP = 2

	// Two gates share one store, as two server processes would.
	gateA := NewGate(cfg, NewStoreCounters(s))
	gateB := NewGate(cfg, NewStoreCounters(s))
	ctx := context.Background()

	require.NoError(t, gateA.VerifyConnection(ctx, "1.2.3.4"))
	require.NoError(t, gateB.VerifyConnection(ctx, "1.2.3.4"))
	_, rejected := IsRejected(gateA.VerifyConnection(ctx, "1.2.3.4"))
	assert.True(t, rejected)

	gateB.ReleaseConnection(ctx, "1.2.3.4")
	require.NoError(t, gateA.VerifyConnection(ctx, "1.2.3.4"))
}

func TestGate_VerifyRoomAccess(t *testing.T) {
	gate, _ := newTestGate(t)

	assert.NoError(t, gate.VerifyRoomAccess(uuid.NewString()))

	for _, room := range []string{"", "lobby", strings.Repeat("x", 36), uuid.NewString() + "0"} {
		rej, ok := IsRejected(gate.VerifyRoomAccess(room))
		require.True(t, ok, "room %q", room)
		assert.Equal(t, ReasonInvalidRoom, rej.Reason)
	}
}

func TestGate_SuggestionAndHistoryAccess(t *testing.T) {
	gate, _ := newTestGate(t)

	assert.NoError(t, gate.VerifySuggestionAccess("s1", "q"))
	assert.ErrorIs(t, gate.VerifySuggestionAccess("", "q"), ErrValidation)
	assert.ErrorIs(t, gate.VerifySuggestionAccess("s1", " "), ErrValidation)

	assert.NoError(t, gate.VerifyHistoryAccess("s1"))
	assert.ErrorIs(t, gate.VerifyHistoryAccess(""), ErrValidation)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.1"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.2"}, "10.0.0.2:1234", "203.0.113.2"},
		{"remote addr", nil, "198.51.100.7:5555", "198.51.100.7"},
		{"remote addr without port", nil, "198.51.100.7", "198.51.100.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
