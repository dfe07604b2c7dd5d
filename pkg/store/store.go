package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/codeready-toolchain/askrelay/pkg/models"
)

// Store exposes session, task and history operations over a Backend.
// Every call is bounded by the configured operation timeout and backend
// failures surface as ErrUnavailable.
type Store struct {
	backend Backend
	cfg     *config.StoreConfig
	now     func() time.Time
}

// New creates a Store.
func New(backend Backend, cfg *config.StoreConfig) *Store {
	return &Store{backend: backend, cfg: cfg, now: time.Now}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return unavailable("ping", "", s.backend.Ping(ctx))
}

// --- sessions ---

const timeLayout = time.RFC3339Nano

func encodeSession(sess *models.Session) map[string]string {
	return map[string]string{
		"session_id":   sess.ID,
		"connected_at": sess.ConnectedAt.UTC().Format(timeLayout),
		"last_seen_at": sess.LastSeenAt.UTC().Format(timeLayout),
		"client_ip":    sess.ClientIP,
		"user_agent":   sess.UserAgent,
		"server_id":    sess.ServerID,
	}
}

func decodeSession(fields map[string]string) (*models.Session, error) {
	connectedAt, err := time.Parse(timeLayout, fields["connected_at"])
	if err != nil {
		return nil, fmt.Errorf("%w: session connected_at: %v", ErrCorrupt, err)
	}
	lastSeen, err := time.Parse(timeLayout, fields["last_seen_at"])
	if err != nil {
		lastSeen = connectedAt
	}
	return &models.Session{
		ID:          fields["session_id"],
		ConnectedAt: connectedAt,
		LastSeenAt:  lastSeen,
		ClientIP:    fields["client_ip"],
		UserAgent:   fields["user_agent"],
		ServerID:    fields["server_id"],
	}, nil
}

// StoreSession writes the session record with the session TTL.
func (s *Store) StoreSession(ctx context.Context, sess *models.Session) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = sess.ConnectedAt
	}
	key := SessionKey(sess.ID)
	return unavailable("store_session", key, s.backend.HSet(ctx, key, encodeSession(sess), s.cfg.SessionTTL))
}

// TouchSession refreshes last-seen time and TTL of an existing session.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := SessionKey(sessionID)
	now := s.now().UTC().Format(timeLayout)
	err := s.backend.HUpdate(ctx, key, s.cfg.SessionTTL, func(cur map[string]string) (map[string]string, error) {
		if len(cur) == 0 {
			return nil, ErrNotFound
		}
		return map[string]string{"last_seen_at": now}, nil
	})
	return unavailable("touch_session", key, err)
}

// GetSession reads a session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := SessionKey(sessionID)
	fields, err := s.backend.HGetAll(ctx, key)
	if err != nil {
		return nil, unavailable("get_session", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeSession(fields)
}

// CleanupSession removes the session, its finished task records and its
// suggestion records. Tasks still in flight keep their record until the task
// TTL so late worker reports stay persisted and readable. History is kept
// until its own TTL or an explicit clear.
func (s *Store) CleanupSession(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := SessionKey(sessionID)
	if _, err := s.backend.Del(ctx, key); err != nil {
		return unavailable("cleanup_session", key, err)
	}
	prefix := taskSessionPrefix(sessionID)
	taskKeys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return unavailable("cleanup_session", prefix, err)
	}
	for _, tk := range taskKeys {
		fields, err := s.backend.HGetAll(ctx, tk)
		if err != nil {
			return unavailable("cleanup_session", tk, err)
		}
		if len(fields) == 0 {
			continue
		}
		// Terminal records are immutable, so deleting one cannot race a report.
		if task, err := decodeTask(fields); err == nil && !task.State.IsTerminal() {
			continue
		}
		if _, err := s.backend.Del(ctx, tk); err != nil {
			return unavailable("cleanup_session", tk, err)
		}
	}
	prefix = suggestionSessionPrefix(sessionID)
	if _, err := s.backend.DelPrefix(ctx, prefix); err != nil {
		return unavailable("cleanup_session", prefix, err)
	}
	return nil
}

// ListSessions returns every live session.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	keys, err := s.backend.Keys(ctx, sessionPrefix)
	if err != nil {
		return nil, unavailable("list_sessions", sessionPrefix, err)
	}
	sessions := make([]*models.Session, 0, len(keys))
	for _, key := range keys {
		fields, err := s.backend.HGetAll(ctx, key)
		if err != nil {
			return nil, unavailable("list_sessions", key, err)
		}
		if len(fields) == 0 {
			continue // expired between Keys and HGetAll
		}
		sess, err := decodeSession(fields)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// --- tasks ---

func encodeTask(t *models.Task) map[string]string {
	return map[string]string{
		"task_id":    t.ID,
		"session_id": t.SessionID,
		"kind":       string(t.Kind),
		"state":      string(t.State),
		"progress":   strconv.Itoa(t.Progress),
		"status":     t.Status,
		"payload":    string(t.Payload),
		"result":     string(t.Result),
		"error":      t.Error,
		"seq":        strconv.FormatInt(t.Seq, 10),
		"created_at": t.CreatedAt.UTC().Format(timeLayout),
		"updated_at": t.UpdatedAt.UTC().Format(timeLayout),
	}
}

func decodeTask(fields map[string]string) (*models.Task, error) {
	progress, err := strconv.Atoi(fields["progress"])
	if err != nil {
		return nil, fmt.Errorf("%w: task progress: %v", ErrCorrupt, err)
	}
	seq, err := strconv.ParseInt(fields["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: task seq: %v", ErrCorrupt, err)
	}
	state := models.TaskState(fields["state"])
	if !state.IsValid() {
		return nil, fmt.Errorf("%w: task state %q", ErrCorrupt, state)
	}
	createdAt, _ := time.Parse(timeLayout, fields["created_at"])
	updatedAt, _ := time.Parse(timeLayout, fields["updated_at"])

	t := &models.Task{
		ID:        fields["task_id"],
		SessionID: fields["session_id"],
		Kind:      models.TaskKind(fields["kind"]),
		State:     state,
		Progress:  progress,
		Status:    fields["status"],
		Error:     fields["error"],
		Seq:       seq,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if p := fields["payload"]; p != "" {
		t.Payload = json.RawMessage(p)
	}
	if r := fields["result"]; r != "" {
		t.Result = json.RawMessage(r)
	}
	return t, nil
}

// StoreTask writes a task record with the task TTL.
func (s *Store) StoreTask(ctx context.Context, task *models.Task) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	key := TaskKey(task.SessionID, task.ID)
	return unavailable("store_task", key, s.backend.HSet(ctx, key, encodeTask(task), s.cfg.TaskTTL))
}

// UpdateTaskStatus applies a worker-reported transition. The update is
// rejected with ErrStaleUpdate when upd.Seq is not above the stored sequence
// and with ErrInvalidTransition when the stored state is terminal.
func (s *Store) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, upd models.TaskStatusUpdate) (*models.Task, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := TaskKey(sessionID, taskID)
	now := s.now()

	var updated *models.Task
	err := s.backend.HUpdate(ctx, key, s.cfg.TaskTTL, func(cur map[string]string) (map[string]string, error) {
		if len(cur) == 0 {
			return nil, ErrNotFound
		}
		task, err := decodeTask(cur)
		if err != nil {
			return nil, err
		}
		if upd.Seq <= task.Seq {
			return nil, fmt.Errorf("%w: task %s seq %d <= stored %d", ErrStaleUpdate, taskID, upd.Seq, task.Seq)
		}
		if !task.State.CanTransition(upd.State) {
			return nil, fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, taskID, task.State, upd.State)
		}
		task.State = upd.State
		task.Progress = upd.Progress
		if upd.State == models.TaskStateSuccess {
			task.Progress = 100
		}
		task.Status = upd.Status
		task.Result = upd.Result
		task.Error = upd.Error
		task.Seq = upd.Seq
		task.UpdatedAt = now
		updated = task
		return encodeTask(task), nil
	})
	if err != nil {
		return nil, unavailable("update_task", key, err)
	}
	return updated, nil
}

// GetTaskStatus reads a task record.
func (s *Store) GetTaskStatus(ctx context.Context, sessionID, taskID string) (*models.Task, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := TaskKey(sessionID, taskID)
	fields, err := s.backend.HGetAll(ctx, key)
	if err != nil {
		return nil, unavailable("get_task", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeTask(fields)
}

// --- suggestions ---

// SuggestionRecord is the persisted outcome of a suggestion task.
type SuggestionRecord struct {
	TaskID      string    `json:"taskId"`
	Question    string    `json:"question"`
	Suggestions []string  `json:"suggestions"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StoreSuggestion writes a suggestion result with the task TTL.
func (s *Store) StoreSuggestion(ctx context.Context, sessionID string, rec *SuggestionRecord) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	raw, err := json.Marshal(rec.Suggestions)
	if err != nil {
		return fmt.Errorf("encode suggestions: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	key := SuggestionKey(sessionID, rec.TaskID)
	fields := map[string]string{
		"task_id":     rec.TaskID,
		"question":    rec.Question,
		"suggestions": string(raw),
		"created_at":  rec.CreatedAt.UTC().Format(timeLayout),
	}
	return unavailable("store_suggestion", key, s.backend.HSet(ctx, key, fields, s.cfg.TaskTTL))
}

// GetSuggestion reads a suggestion result.
func (s *Store) GetSuggestion(ctx context.Context, sessionID, taskID string) (*SuggestionRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := SuggestionKey(sessionID, taskID)
	fields, err := s.backend.HGetAll(ctx, key)
	if err != nil {
		return nil, unavailable("get_suggestion", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec := &SuggestionRecord{TaskID: fields["task_id"], Question: fields["question"]}
	if err := json.Unmarshal([]byte(fields["suggestions"]), &rec.Suggestions); err != nil {
		return nil, fmt.Errorf("%w: suggestions: %v", ErrCorrupt, err)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, fields["created_at"])
	return rec, nil
}

// --- history ---

func (s *Store) appendHistory(ctx context.Context, op string, entry *models.HistoryEntry) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	key := HistoryKey(entry.SessionID)
	return unavailable(op, key, s.backend.LPush(ctx, key, string(raw), s.cfg.HistoryTTL))
}

// StoreQuestion appends a question to the session history.
func (s *Store) StoreQuestion(ctx context.Context, sessionID, question string) error {
	return s.appendHistory(ctx, "store_question", &models.HistoryEntry{
		SessionID: sessionID,
		Type:      models.HistoryQuestion,
		Content:   question,
	})
}

// StoreAnswer appends an answer to the session history.
func (s *Store) StoreAnswer(ctx context.Context, sessionID, taskID, answer string) error {
	return s.appendHistory(ctx, "store_answer", &models.HistoryEntry{
		SessionID: sessionID,
		Type:      models.HistoryAnswer,
		Content:   answer,
		TaskID:    taskID,
	})
}

// GetSessionHistory returns up to limit entries, newest first. A limit of
// zero or less uses the configured default; larger limits are capped.
func (s *Store) GetSessionHistory(ctx context.Context, sessionID string, limit int) ([]*models.HistoryEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if limit <= 0 {
		limit = s.cfg.DefaultHistoryLimit
	}
	if limit > s.cfg.MaxHistoryLimit {
		limit = s.cfg.MaxHistoryLimit
	}
	key := HistoryKey(sessionID)
	raw, err := s.backend.LRange(ctx, key, limit)
	if err != nil {
		return nil, unavailable("get_history", key, err)
	}
	entries := make([]*models.HistoryEntry, 0, len(raw))
	for _, r := range raw {
		var e models.HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ClearSessionHistory removes all history of a session.
func (s *Store) ClearSessionHistory(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := HistoryKey(sessionID)
	_, err := s.backend.Del(ctx, key)
	return unavailable("clear_history", key, err)
}

// --- stats ---

// Stats counts live keys per namespace.
type Stats struct {
	Sessions    int `json:"sessions"`
	Tasks       int `json:"tasks"`
	Histories   int `json:"histories"`
	Suggestions int `json:"suggestions"`
}

// Stats scans each namespace prefix.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	st := &Stats{}
	counts := []struct {
		prefix string
		dst    *int
	}{
		{sessionPrefix, &st.Sessions},
		{taskPrefix, &st.Tasks},
		{historyPrefix, &st.Histories},
		{suggestionPrefix, &st.Suggestions},
	}
	for _, c := range counts {
		n, err := s.backend.CountKeys(ctx, c.prefix)
		if err != nil {
			return nil, unavailable("stats", c.prefix, err)
		}
		*c.dst = n
	}
	return st, nil
}

// --- admission counters ---

// AcquireConnectionSlot increments the concurrent connection count of ip
// unless it already reached max.
func (s *Store) AcquireConnectionSlot(ctx context.Context, ip string, max int) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := connCounterPrefix + ip
	ok, _, err := s.backend.IncrBounded(ctx, key, int64(max), s.cfg.SessionTTL)
	return ok, unavailable("acquire_connection", key, err)
}

// ReleaseConnectionSlot decrements the concurrent connection count of ip.
func (s *Store) ReleaseConnectionSlot(ctx context.Context, ip string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := connCounterPrefix + ip
	_, err := s.backend.Decr(ctx, key)
	return unavailable("release_connection", key, err)
}

// ConnectionCount reads the concurrent connection count of ip.
func (s *Store) ConnectionCount(ctx context.Context, ip string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := connCounterPrefix + ip
	n, err := s.backend.Counter(ctx, key)
	return int(n), unavailable("connection_count", key, err)
}

// AllowQuestion records a question from ip unless limit questions were
// already recorded within the trailing window.
func (s *Store) AllowQuestion(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	key := rateWindowPrefix + ip
	ok, err := s.backend.WindowAdd(ctx, key, limit, window)
	return ok, unavailable("allow_question", key, err)
}

// PurgeExpired removes expired entries from the backend.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.backend.PurgeExpired(ctx)
	return n, unavailable("purge_expired", "", err)
}
