package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// NotifyListener holds a dedicated connection LISTENing on the broadcast
// channel and passes every payload to a handler. The receive loop is the
// only goroutine that touches the connection.
type NotifyListener struct {
	connString string
	channel    string
	handler    func(ctx context.Context, payload []byte)

	connMu sync.Mutex
	conn   *pgx.Conn

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener. connString must point at the
// database, not a schema: NOTIFY is database-wide.
func NewNotifyListener(connString, channel string, handler func(ctx context.Context, payload []byte)) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		channel:    channel,
		handler:    handler,
	}
}

// Start connects, issues LISTEN and begins receiving. It returns once LISTEN
// is active so no publish after Start is missed.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return err
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NotifyListener started", "channel", l.channel)
	return nil
}

func (l *NotifyListener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("LISTEN %s failed: %w", l.channel, err)
	}
	return conn, nil
}

func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			if !l.reconnect(ctx) {
				return
			}
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("NOTIFY receive error", "channel", l.channel, "error", err)
			l.dropConn(ctx)
			continue
		}

		l.dispatch(ctx, []byte(notification.Payload))
	}
}

// dispatch isolates the receive loop from handler panics.
func (l *NotifyListener) dispatch(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcast handler panicked", "channel", l.channel, "panic", r)
		}
	}()
	l.handler(ctx, payload)
}

func (l *NotifyListener) dropConn(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}

// reconnect retries with exponential backoff until it succeeds or ctx ends.
// Payloads published while disconnected are lost; the reconciler covers them.
func (l *NotifyListener) reconnect(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := l.connect(ctx)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()

		slog.Info("NotifyListener reconnected", "channel", l.channel)
		return true
	}
}

// Stop ends the receive loop and closes the connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	// Waiting for the loop before closing avoids racing WaitForNotification
	// against Close.
	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}
	l.dropConn(ctx)
}
