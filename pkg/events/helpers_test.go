package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/codeready-toolchain/askrelay/pkg/models"
	"github.com/stretchr/testify/require"
)

// fakeClient records every frame written to it.
type fakeClient struct {
	id string

	mu     sync.Mutex
	frames []Message
	fail   bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeClient) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.frames...)
}

// taskUpdates decodes every task_update frame the client received.
func (c *fakeClient) taskUpdates(t *testing.T) []models.TaskEvent {
	t.Helper()
	var out []models.TaskEvent
	for _, m := range c.Messages() {
		if m.Event != EventTaskUpdate {
			continue
		}
		var ev models.TaskEvent
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		out = append(out, ev)
	}
	return out
}

// recordingPublisher captures envelopes and optionally fails.
type recordingPublisher struct {
	mu   sync.Mutex
	envs []*Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) Envelopes() []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Envelope(nil), p.envs...)
}
