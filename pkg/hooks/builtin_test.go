package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGate struct {
	mock.Mock
}

func (m *mockGate) VerifyConnection(ctx context.Context, ip string) error {
	return m.Called(ctx, ip).Error(0)
}

func (m *mockGate) ReleaseConnection(ctx context.Context, ip string) {
	m.Called(ctx, ip)
}

func (m *mockGate) VerifyQuestion(ctx context.Context, ip, sessionID, question string) error {
	return m.Called(ctx, ip, sessionID, question).Error(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) StoreSession(ctx context.Context, sess *models.Session) error {
	return m.Called(ctx, sess).Error(0)
}

func (m *mockStore) CleanupSession(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *mockStore) StoreQuestion(ctx context.Context, sessionID, question string) error {
	return m.Called(ctx, sessionID, question).Error(0)
}

func TestAuthHook_ReleasesOnlyAdmittedSessions(t *testing.T) {
	ctx := context.Background()
	gate := &mockGate{}
	gate.On("VerifyConnection", ctx, "10.0.0.1").Return(nil).Once()
	gate.On("VerifyConnection", ctx, "10.0.0.2").Return(errors.New("too many")).Once()
	gate.On("ReleaseConnection", ctx, "10.0.0.1").Return().Once()

	h := NewAuthHook(gate)
	require.NoError(t, h.BeforeConnect(ctx, &ConnectEvent{SessionID: "s1", ClientIP: "10.0.0.1"}))
	require.Error(t, h.BeforeConnect(ctx, &ConnectEvent{SessionID: "s2", ClientIP: "10.0.0.2"}))

	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "s1"}))
	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "s1"}))
	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "s2"}))

	gate.AssertExpectations(t)
	gate.AssertNumberOfCalls(t, "ReleaseConnection", 1)
}

func TestAuthHook_BeforeQuestion(t *testing.T) {
	ctx := context.Background()
	gate := &mockGate{}
	errLimited := errors.New("rate limited")
	gate.On("VerifyQuestion", ctx, "10.0.0.1", "s1", "what is go?").Return(errLimited)

	h := NewAuthHook(gate)
	err := h.BeforeQuestion(ctx, &QuestionEvent{SessionID: "s1", ClientIP: "10.0.0.1", Question: "what is go?"})
	assert.ErrorIs(t, err, errLimited)
}

func TestStorageHook_ConnectPolicy(t *testing.T) {
	errDown := errors.New("store down")

	tests := []struct {
		name    string
		policy  config.StorageConnectPolicy
		wantErr bool
	}{
		{name: "fail open admits", policy: config.StoragePolicyFailOpen},
		{name: "empty policy fails open"},
		{name: "fail closed rejects", policy: config.StoragePolicyFailClosed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := &mockStore{}
			st.On("StoreSession", ctx, mock.MatchedBy(func(s *models.Session) bool {
				return s.ID == "s1" && s.ClientIP == "10.0.0.1" && s.UserAgent == "ua"
			})).Return(errDown)

			h := NewStorageHook(st, tt.policy)
			err := h.AfterConnect(ctx, &ConnectEvent{
				SessionID: "s1", ClientIP: "10.0.0.1", UserAgent: "ua", ConnectedAt: time.Now(),
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, errDown)
			} else {
				assert.NoError(t, err)
			}
			st.AssertExpectations(t)
		})
	}
}

func TestStorageHook_PersistsQuestionsAndCleansUp(t *testing.T) {
	ctx := context.Background()
	st := &mockStore{}
	st.On("StoreQuestion", ctx, "s1", "how does it work?").Return(nil)
	st.On("CleanupSession", ctx, "s1").Return(nil)

	h := NewStorageHook(st, config.StoragePolicyFailOpen)
	require.NoError(t, h.AfterQuestion(ctx, &QuestionEvent{SessionID: "s1", Question: "how does it work?"}))
	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "s1"}))
	st.AssertExpectations(t)
}

func TestMonitoringHook_Counts(t *testing.T) {
	ctx := context.Background()
	h := NewMonitoringHook()
	require.NoError(t, h.AfterConnect(ctx, &ConnectEvent{SessionID: "s1"}))
	require.NoError(t, h.AfterConnect(ctx, &ConnectEvent{SessionID: "s2"}))
	require.NoError(t, h.AfterQuestion(ctx, &QuestionEvent{SessionID: "s1"}))
	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "s1"}))
	// A session that never completed AfterConnect does not count.
	require.NoError(t, h.AfterDisconnect(ctx, &DisconnectEvent{SessionID: "rejected", Reason: "rejected"}))

	assert.Equal(t, MonitoringStats{
		ActiveConnections: 1,
		TotalConnections:  2,
		TotalDisconnects:  1,
		TotalQuestions:    1,
	}, h.Stats())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		question string
		want     string
	}{
		{"What is a goroutine?", CategoryInquiry},
		{"How do channels work", CategoryInquiry},
		{"什么是接口", CategoryInquiry},
		{"Why is the sky blue?", CategoryReason},
		{"为什么会失败", CategoryReason},
		{"怎么安装", CategoryProcedure},
		{"list the steps to deploy", CategoryProcedure},
		{"hello there", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.question))
		})
	}
}

func TestAnalyticsHook_Counts(t *testing.T) {
	ctx := context.Background()
	h := NewAnalyticsHook()
	for _, q := range []string{"why?", "what?", "what else?", "ok"} {
		require.NoError(t, h.AfterQuestion(ctx, &QuestionEvent{Question: q}))
	}
	assert.Equal(t, map[string]int64{
		CategoryReason:  1,
		CategoryInquiry: 2,
		CategoryOther:   1,
	}, h.Counts())
}

func TestBuild(t *testing.T) {
	gate := &mockGate{}
	st := &mockStore{}

	t.Run("defaults", func(t *testing.T) {
		cfg := config.DefaultHooksConfig()
		p, err := Build(cfg, Builtins(gate, st, cfg)...)
		require.NoError(t, err)

		infos := p.Info()
		require.Len(t, infos, 4)
		names := []string{infos[0].Name, infos[1].Name, infos[2].Name, infos[3].Name}
		assert.Equal(t, []string{AuthHookName, StorageHookName, MonitoringHookName, AnalyticsHookName}, names)
		for _, info := range infos {
			assert.True(t, info.Enabled)
		}
	})

	t.Run("overrides and disabled", func(t *testing.T) {
		cfg := &config.HooksConfig{
			Disabled:   []string{AnalyticsHookName},
			Priorities: map[string]int{MonitoringHookName: 500},
		}
		p, err := Build(cfg, Builtins(gate, st, cfg)...)
		require.NoError(t, err)

		infos := p.Info()
		assert.Equal(t, MonitoringHookName, infos[0].Name)
		assert.Equal(t, 500, infos[0].Priority)
		assert.Equal(t, AnalyticsHookName, infos[3].Name)
		assert.False(t, infos[3].Enabled)
	})

	t.Run("unknown names", func(t *testing.T) {
		cfg := &config.HooksConfig{Disabled: []string{"ghost"}}
		_, err := Build(cfg, Builtins(gate, st, cfg)...)
		assert.ErrorIs(t, err, ErrHookNotFound)

		cfg = &config.HooksConfig{Priorities: map[string]int{"ghost": 1}}
		_, err = Build(cfg, Builtins(gate, st, cfg)...)
		assert.ErrorIs(t, err, ErrHookNotFound)
	})
}
