package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrUnknownConnection is returned for a connection id not in the registry.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrPrimaryRoom is returned when leaving a connection's own session room.
	ErrPrimaryRoom = errors.New("cannot leave primary room")
)

// Client is one live connection as seen by the registry.
type Client interface {
	ID() string
	// Send hands one encoded frame to the connection without blocking on
	// the network; frames from one caller go out in call order.
	Send(ctx context.Context, frame []byte) error
}

type member struct {
	client  Client
	primary string
	rooms   map[string]struct{}
}

// Registry tracks live connections of this process and the rooms they are in.
// Every connection is in exactly one primary room, its session id, and may
// join others.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member            // connection id -> member
	rooms   map[string]map[string]Client // room -> connection id -> client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*member),
		rooms:   make(map[string]map[string]Client),
	}
}

// Add registers c with primaryRoom as its primary room.
func (r *Registry) Add(c Client, primaryRoom string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c.ID()] = &member{
		client:  c,
		primary: primaryRoom,
		rooms:   map[string]struct{}{primaryRoom: {}},
	}
	r.addToRoomLocked(primaryRoom, c)
}

// Remove drops a connection from every room and returns the rooms it was in.
func (r *Registry) Remove(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	left := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		r.removeFromRoomLocked(room, connID)
		left = append(left, room)
	}
	delete(r.members, connID)
	slices.Sort(left)
	return left
}

// Join adds a connection to room. Joining a room twice is a no-op.
func (r *Registry) Join(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	m.rooms[room] = struct{}{}
	r.addToRoomLocked(room, m.client)
	return nil
}

// Leave removes a connection from a non-primary room.
func (r *Registry) Leave(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	if room == m.primary {
		return ErrPrimaryRoom
	}
	delete(m.rooms, room)
	r.removeFromRoomLocked(room, connID)
	return nil
}

// InRoom reports whether the connection is a member of room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connID]
	if !ok {
		return false
	}
	_, in := m.rooms[room]
	return in
}

// HasRoom reports whether any local connection is in room.
func (r *Registry) HasRoom(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room]) > 0
}

// Rooms returns the rooms of a connection, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Emit writes event to every connection in room and returns how many
// writes succeeded. Members are snapshotted under the lock and written to
// outside it.
func (r *Registry) Emit(ctx context.Context, room, event string, data any) (int, error) {
	frame, err := EncodeMessage(event, data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", event, err)
	}

	r.mu.RLock()
	clients := make([]Client, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.Send(ctx, frame); err != nil {
			slog.Warn("Failed to send to client",
				"connection_id", c.ID(), "room", room, "event", event, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// EmitTo writes event to a single connection.
func (r *Registry) EmitTo(ctx context.Context, connID, event string, data any) error {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	frame, err := EncodeMessage(event, data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return m.client.Send(ctx, frame)
}

func (r *Registry) addToRoomLocked(room string, c Client) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]Client)
	}
	r.rooms[room][c.ID()] = c
}

func (r *Registry) removeFromRoomLocked(room, connID string) {
	subs, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.rooms, room)
	}
}
