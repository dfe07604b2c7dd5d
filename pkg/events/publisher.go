package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// maxNotifyPayload stays under PostgreSQL's 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// Publisher puts an envelope on the shared broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, env *Envelope) error
}

// PGPublisher publishes envelopes with pg_notify.
type PGPublisher struct {
	db      *sql.DB
	channel string
}

// NewPGPublisher creates a publisher for channel.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPGPublisher(db *sql.DB, channel string) *PGPublisher {
	return &PGPublisher{db: db, channel: channel}
}

// Channel returns the NOTIFY channel name.
func (p *PGPublisher) Channel() string {
	return p.channel
}

// Publish sends env via NOTIFY, truncating it if needed.
func (p *PGPublisher) Publish(ctx context.Context, env *Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// encodeEnvelope returns the JSON form of env, or a truncated envelope that
// keeps only routing fields when the full form exceeds the NOTIFY limit.
func encodeEnvelope(env *Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(b) <= maxNotifyPayload {
		return string(b), nil
	}
	return buildTruncatedEnvelope(env)
}

func buildTruncatedEnvelope(env *Envelope) (string, error) {
	var routing struct {
		TaskID    string `json:"taskId,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
		State     string `json:"state,omitempty"`
		Seq       int64  `json:"seq,omitempty"`
	}
	// Non-object data carries no routing fields; the receiver falls back to
	// the room alone.
	_ = json.Unmarshal(env.Data, &routing)

	data, err := json.Marshal(routing)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated data: %w", err)
	}
	truncated := Envelope{
		Event:     env.Event,
		Data:      data,
		Room:      env.Room,
		Namespace: env.Namespace,
		Origin:    env.Origin,
		Truncated: true,
	}
	b, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated envelope: %w", err)
	}
	return string(b), nil
}

// LocalBus is an in-process Publisher for single-process deployments and
// tests. Subscribers receive the encoded payload exactly as a NOTIFY
// listener would.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []func(ctx context.Context, payload []byte)
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Subscribe registers a handler for every later publish.
func (b *LocalBus) Subscribe(h func(ctx context.Context, payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish calls every subscriber synchronously.
func (b *LocalBus) Publish(ctx context.Context, env *Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	b.mu.RLock()
	handlers := append([]func(context.Context, []byte){}, b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, []byte(payload))
	}
	return nil
}
