// Package events delivers task results and other server-pushed events to
// client connections.
//
// Two physical paths carry every task event:
//
//	direct     the process that observes a transition emits task_update into
//	           the session's room if it holds that room locally
//	broadcast  the same event is published on a shared PostgreSQL NOTIFY
//	           channel; every server process re-emits it into the room when
//	           it holds the room
//
// A per-task ledger keeps the logical delivery exactly-once-in-order per
// process: an event whose seq is not newer than the last delivered one is
// suppressed, and nothing is delivered after a terminal event. A reconciler
// re-reads tasks whose terminal event was never observed and publishes it.
package events

import "encoding/json"

// Server-to-client event names.
const (
	EventConnected      = "connected"
	EventTaskStarted    = "task_started"
	EventTaskID         = "task_id"
	EventTaskUpdate     = "task_update"
	EventError          = "error"
	EventHistoryData    = "history_data"
	EventHistoryCleared = "history_cleared"
	EventJoinedRoom     = "joined_room"
	EventLeftRoom       = "left_room"
	EventPong           = "pong"
)

// DefaultNamespace is the only namespace clients connect to.
const DefaultNamespace = "/"

// Message is the frame written to a client connection.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeMessage marshals data into a client frame.
func EncodeMessage(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// Envelope is published on the shared broadcast channel.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Room      string          `json:"room"`
	Namespace string          `json:"namespace"`
	// Origin is the server id of the publishing process.
	Origin string `json:"origin"`
	// Truncated is set when Data was cut to fit the channel payload limit.
	// Receivers rehydrate the event from the store.
	Truncated bool `json:"truncated,omitempty"`
}
