package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/askrelay/pkg/events"
	"github.com/codeready-toolchain/askrelay/pkg/gateway"
	"github.com/codeready-toolchain/askrelay/pkg/models"
)

// WSEvent represents a received WebSocket frame.
type WSEvent struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Received time.Time       // When we received it
}

// WSClient connects to an askrelay WebSocket endpoint and collects frames.
type WSClient struct {
	conn      *websocket.Conn
	events    []WSEvent
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	doneCh    chan struct{}
	sessionID string
}

// WSConnect establishes a WebSocket connection, starts collecting frames in
// a background goroutine and waits for the connected event.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	evt, err := c.WaitForEventName(events.EventConnected, 5*time.Second)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	var connected gateway.ConnectedPayload
	if err := json.Unmarshal(evt.Data, &connected); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("decode connected: %w", err)
	}
	c.sessionID = connected.SessionID
	return c, nil
}

// SessionID is the id assigned by the server at connect.
func (c *WSClient) SessionID() string {
	return c.sessionID
}

// Send writes one client event.
func (c *WSClient) Send(event string, data any) error {
	frame, err := events.EncodeMessage(event, data)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, frame)
}

// Ask sends ask_question for the client's own session and returns the task id.
func (c *WSClient) Ask(question string, timeout time.Duration) (string, error) {
	before := len(c.EventsByName(events.EventTaskID))
	beforeErr := len(c.EventsByName(events.EventError))
	if err := c.Send(gateway.EventAskQuestion, gateway.QuestionRequest{SessionID: c.sessionID, Question: question}); err != nil {
		return "", err
	}
	evts, err := c.CollectUntil(func(evts []WSEvent) bool {
		return countByName(evts, events.EventTaskID) > before || countByName(evts, events.EventError) > beforeErr
	}, timeout)
	if err != nil {
		return "", err
	}
	var ids, errs []WSEvent
	for _, e := range evts {
		switch e.Event {
		case events.EventError:
			errs = append(errs, e)
		case events.EventTaskID:
			ids = append(ids, e)
		}
	}
	if len(errs) > beforeErr {
		return "", fmt.Errorf("server error: %s", string(errs[len(errs)-1].Data))
	}
	var p gateway.TaskIDPayload
	if err := json.Unmarshal(ids[len(ids)-1].Data, &p); err != nil {
		return "", err
	}
	return p.TaskID, nil
}

// WaitForEvent waits until an event matching the predicate is received, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventName waits for an event with the given name.
func (c *WSClient) WaitForEventName(name string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == name
	}, timeout)
}

// WaitForTerminal waits for the SUCCESS or FAILURE update of taskID.
func (c *WSClient) WaitForTerminal(taskID string, timeout time.Duration) (models.TaskEvent, error) {
	var out models.TaskEvent
	_, err := c.WaitForEvent(func(e WSEvent) bool {
		if e.Event != events.EventTaskUpdate {
			return false
		}
		var ev models.TaskEvent
		if json.Unmarshal(e.Data, &ev) != nil || ev.TaskID != taskID || !ev.State.IsTerminal() {
			return false
		}
		out = ev
		return true
	}, timeout)
	return out, err
}

// TaskUpdates returns the task_update events received for taskID, in order.
func (c *WSClient) TaskUpdates(taskID string) []models.TaskEvent {
	var out []models.TaskEvent
	for _, e := range c.EventsByName(events.EventTaskUpdate) {
		var ev models.TaskEvent
		if json.Unmarshal(e.Data, &ev) == nil && ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// CollectUntil collects events until predicate returns true or timeout.
func (c *WSClient) CollectUntil(predicate func(events []WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return c.Events(), fmt.Errorf("timeout waiting for condition (collected %d events)", len(c.Events()))
		case <-tick.C:
			evts := c.Events()
			if predicate(evts) {
				return evts, nil
			}
		}
	}
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsByName returns events filtered by name.
func (c *WSClient) EventsByName(name string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Event == name {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads messages from the WebSocket and appends them to the events slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var evt WSEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue // Skip malformed messages.
		}
		evt.Received = time.Now()

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}

func countByName(evts []WSEvent, name string) int {
	n := 0
	for _, e := range evts {
		if e.Event == name {
			n++
		}
	}
	return n
}
