package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend. It is shared only by components
// in the same process and is used in single-process mode and in tests.
type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	hashes   map[string]*memHash
	lists    map[string]*memList
	counters map[string]*memCounter
	windows  map[string]*memWindow
	down     bool
}

type memWindow struct {
	events []time.Time
	window time.Duration
}

// trim drops events at or before now-window and reports how many remain.
func (w *memWindow) trim(now time.Time) int {
	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, at := range w.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	w.events = kept
	return len(kept)
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

type memList struct {
	values    []string // newest first
	expiresAt time.Time
}

type memCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:      time.Now,
		hashes:   make(map[string]*memHash),
		lists:    make(map[string]*memList),
		counters: make(map[string]*memCounter),
		windows:  make(map[string]*memWindow),
	}
}

// SetClock replaces the time source. Tests use it to move past TTLs.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetDown makes every call fail with errBackendDown, simulating an outage.
func (m *MemoryBackend) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

var errBackendDown = errors.New("memory backend unreachable")

func (m *MemoryBackend) check(ctx context.Context) error {
	if m.down {
		return errBackendDown
	}
	return ctx.Err()
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (m *MemoryBackend) liveHash(key string, now time.Time) *memHash {
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	if expired(h.expiresAt, now) {
		delete(m.hashes, key)
		return nil
	}
	return h
}

func (m *MemoryBackend) liveList(key string, now time.Time) *memList {
	l, ok := m.lists[key]
	if !ok {
		return nil
	}
	if expired(l.expiresAt, now) {
		delete(m.lists, key)
		return nil
	}
	return l
}

func deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *MemoryBackend) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	now := m.now()
	h := m.liveHash(key, now)
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	maps.Copy(h.fields, fields)
	h.expiresAt = deadline(now, ttl)
	return nil
}

func (m *MemoryBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	h := m.liveHash(key, m.now())
	if h == nil {
		return map[string]string{}, nil
	}
	return maps.Clone(h.fields), nil
}

func (m *MemoryBackend) HUpdate(ctx context.Context, key string, ttl time.Duration, fn func(map[string]string) (map[string]string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	now := m.now()
	current := map[string]string{}
	h := m.liveHash(key, now)
	if h != nil {
		current = maps.Clone(h.fields)
	}
	changes, err := fn(current)
	if err != nil {
		return err
	}
	if changes == nil {
		return nil
	}
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	maps.Copy(h.fields, changes)
	h.expiresAt = deadline(now, ttl)
	return nil
}

func (m *MemoryBackend) LPush(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	now := m.now()
	l := m.liveList(key, now)
	if l == nil {
		l = &memList{}
		m.lists[key] = l
	}
	l.values = append([]string{value}, l.values...)
	l.expiresAt = deadline(now, ttl)
	return nil
}

func (m *MemoryBackend) LRange(ctx context.Context, key string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	l := m.liveList(key, m.now())
	if l == nil {
		return []string{}, nil
	}
	n := len(l.values)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	copy(out, l.values[:n])
	return out, nil
}

func (m *MemoryBackend) Del(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	now := m.now()
	removed := 0
	for _, key := range keys {
		found := false
		if m.liveHash(key, now) != nil {
			delete(m.hashes, key)
			found = true
		}
		if m.liveList(key, now) != nil {
			delete(m.lists, key)
			found = true
		}
		if _, ok := m.counters[key]; ok {
			delete(m.counters, key)
			found = true
		}
		if found {
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) DelPrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	keys := m.keysLocked(prefix)
	for _, key := range keys {
		delete(m.hashes, key)
		delete(m.lists, key)
	}
	return len(keys), nil
}

func (m *MemoryBackend) keysLocked(prefix string) []string {
	now := m.now()
	seen := make(map[string]struct{})
	for key := range m.hashes {
		if strings.HasPrefix(key, prefix) && m.liveHash(key, now) != nil {
			seen[key] = struct{}{}
		}
	}
	for key := range m.lists {
		if strings.HasPrefix(key, prefix) && m.liveList(key, now) != nil {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	return m.keysLocked(prefix), nil
}

func (m *MemoryBackend) CountKeys(ctx context.Context, prefix string) (int, error) {
	keys, err := m.Keys(ctx, prefix)
	return len(keys), err
}

func (m *MemoryBackend) WindowAdd(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	now := m.now()
	w, ok := m.windows[key]
	if !ok {
		w = &memWindow{}
		m.windows[key] = w
	}
	w.window = window
	if n := w.trim(now); n >= limit {
		if n == 0 {
			delete(m.windows, key)
		}
		return false, nil
	}
	w.events = append(w.events, now)
	return true, nil
}

func (m *MemoryBackend) IncrBounded(ctx context.Context, key string, max int64, ttl time.Duration) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, 0, err
	}
	now := m.now()
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, now) {
		c = &memCounter{}
		m.counters[key] = c
	}
	if c.value >= max {
		return false, c.value, nil
	}
	c.value++
	c.expiresAt = deadline(now, ttl)
	return true, c.value, nil
}

func (m *MemoryBackend) Decr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, m.now()) {
		delete(m.counters, key)
		return 0, nil
	}
	if c.value > 0 {
		c.value--
	}
	if c.value == 0 {
		delete(m.counters, key)
	}
	return c.value, nil
}

func (m *MemoryBackend) Counter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt, m.now()) {
		return 0, nil
	}
	return c.value, nil
}

func (m *MemoryBackend) PurgeExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	now := m.now()
	var purged int64
	for key, h := range m.hashes {
		if expired(h.expiresAt, now) {
			delete(m.hashes, key)
			purged++
		}
	}
	for key, l := range m.lists {
		if expired(l.expiresAt, now) {
			delete(m.lists, key)
			purged++
		}
	}
	for key, c := range m.counters {
		if expired(c.expiresAt, now) {
			delete(m.counters, key)
			purged++
		}
	}
	for key, w := range m.windows {
		if w.trim(now) == 0 {
			delete(m.windows, key)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx)
}
