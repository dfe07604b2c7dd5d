package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNotifyListener(t *testing.T) {
	handler := func(context.Context, []byte) {}
	listener := NewNotifyListener("host=localhost dbname=test", "askrelay_events", handler)

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.Equal(t, "askrelay_events", listener.channel)
	assert.Nil(t, listener.conn)
}

func TestNotifyListener_StopWithoutStart(t *testing.T) {
	listener := NewNotifyListener("host=localhost dbname=test", "askrelay_events", func(context.Context, []byte) {})
	assert.NotPanics(t, func() { listener.Stop(context.Background()) })
}

func TestNotifyListener_StartFailsWithBadConnString(t *testing.T) {
	listener := NewNotifyListener("host=127.0.0.1 port=1 dbname=none connect_timeout=1", "askrelay_events",
		func(context.Context, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := listener.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect for LISTEN")
}

func TestNotifyListener_DispatchRecoversPanic(t *testing.T) {
	var got []byte
	calls := 0
	listener := NewNotifyListener("", "askrelay_events", func(_ context.Context, payload []byte) {
		calls++
		if calls == 1 {
			panic("bad payload")
		}
		got = payload
	})

	assert.NotPanics(t, func() { listener.dispatch(context.Background(), []byte("first")) })
	listener.dispatch(context.Background(), []byte("second"))
	assert.Equal(t, "second", string(got))
}

func TestNotifyListener_ReconnectStopsOnCancel(t *testing.T) {
	listener := NewNotifyListener("host=127.0.0.1 port=1", "askrelay_events", func(context.Context, []byte) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, listener.reconnect(ctx))
}
