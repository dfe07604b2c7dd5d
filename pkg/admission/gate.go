// Package admission decides whether a connection, question or room request
// from a client IP is accepted.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/codeready-toolchain/askrelay/pkg/config"
	"github.com/google/uuid"
)

// Gate enforces per-IP connection limits, question rate limits, question
// content rules and the IP blocklist.
//
// Counter failures fail open: the request is admitted and the failure logged.
type Gate struct {
	cfg      *config.AdmissionConfig
	counters Counters
	terms    []string

	mu      sync.RWMutex
	blocked map[string]string // ip -> reason
	// admitted tracks connections this process accepted, for Stats and to
	// avoid releasing slots that were never acquired.
	admitted map[string]int
	// unmetered counts admissions made while the counter backend failed;
	// they hold no counter slot, so their release skips the backend.
	unmetered map[string]int
}

// NewGate creates a gate. A nil counters uses process-local counters.
func NewGate(cfg *config.AdmissionConfig, counters Counters) *Gate {
	if counters == nil {
		counters = NewLocalCounters()
	}
	terms := make([]string, 0, len(cfg.BlockedTerms))
	for _, t := range cfg.BlockedTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	g := &Gate{
		cfg:       cfg,
		counters:  counters,
		terms:     terms,
		blocked:   make(map[string]string),
		admitted:  make(map[string]int),
		unmetered: make(map[string]int),
	}
	for _, ip := range cfg.BlockedIPs {
		g.blocked[ip] = "configured"
	}
	return g
}

// VerifyConnection admits a new connection from ip or returns a
// *RejectedError. An admitted connection must be released with
// ReleaseConnection when it closes.
func (g *Gate) VerifyConnection(ctx context.Context, ip string) error {
	if g.IsBlocked(ip) {
		slog.Info("Connection rejected", "ip", ip, "reason", ReasonBlockedIP)
		return &RejectedError{Reason: ReasonBlockedIP, IP: ip}
	}

	ok, err := g.counters.AcquireConnection(ctx, ip, g.cfg.MaxConnectionsPerIP)
	unmetered := err != nil
	if unmetered {
		slog.Warn("Connection counter unavailable, admitting", "ip", ip, "error", err)
		ok = true
	}
	if !ok {
		slog.Info("Connection rejected", "ip", ip, "reason", ReasonTooManyConnections)
		return &RejectedError{
			Reason: ReasonTooManyConnections,
			IP:     ip,
			Detail: fmt.Sprintf("limit is %d concurrent connections", g.cfg.MaxConnectionsPerIP),
		}
	}

	g.mu.Lock()
	g.admitted[ip]++
	if unmetered {
		g.unmetered[ip]++
	}
	g.mu.Unlock()
	return nil
}

// ReleaseConnection gives back a connection slot acquired by VerifyConnection.
func (g *Gate) ReleaseConnection(ctx context.Context, ip string) {
	g.mu.Lock()
	if g.admitted[ip] == 0 {
		g.mu.Unlock()
		return
	}
	decrement(g.admitted, ip)
	unmetered := g.unmetered[ip] > 0
	if unmetered {
		decrement(g.unmetered, ip)
	}
	g.mu.Unlock()

	if unmetered {
		return
	}
	if err := g.counters.ReleaseConnection(ctx, ip); err != nil {
		slog.Warn("Failed to release connection slot", "ip", ip, "error", err)
	}
}

// VerifyQuestion checks length, then blocked terms, then the rate limit.
// Only a question that passes the first two checks consumes a rate slot.
func (g *Gate) VerifyQuestion(ctx context.Context, ip, sessionID, question string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(question))
	if n < g.cfg.MinQuestionLength || n > g.cfg.MaxQuestionLength {
		return &ValidationError{
			Field:   "question",
			Message: fmt.Sprintf("length must be between %d and %d characters, got %d", g.cfg.MinQuestionLength, g.cfg.MaxQuestionLength, n),
		}
	}

	lower := strings.ToLower(question)
	for _, term := range g.terms {
		if strings.Contains(lower, term) {
			slog.Info("Question rejected", "ip", ip, "session_id", sessionID, "reason", ReasonBlockedTerm)
			return &RejectedError{Reason: ReasonBlockedTerm, IP: ip, Detail: "question contains a blocked term"}
		}
	}

	ok, err := g.counters.AllowQuestion(ctx, ip, g.cfg.MaxQuestionsPerWindow, g.cfg.QuestionWindow)
	if err != nil {
		slog.Warn("Question rate counter unavailable, admitting", "ip", ip, "error", err)
		return nil
	}
	if !ok {
		slog.Info("Question rejected", "ip", ip, "session_id", sessionID, "reason", ReasonRateLimited)
		return &RejectedError{
			Reason: ReasonRateLimited,
			IP:     ip,
			Detail: fmt.Sprintf("limit is %d questions per %s", g.cfg.MaxQuestionsPerWindow, g.cfg.QuestionWindow),
		}
	}
	return nil
}

// VerifyRoomAccess accepts only well-formed session identifiers as room names.
func (g *Gate) VerifyRoomAccess(room string) error {
	if len(room) != 36 {
		return &RejectedError{Reason: ReasonInvalidRoom, Detail: "room must be a 36 character session id"}
	}
	if _, err := uuid.Parse(room); err != nil {
		return &RejectedError{Reason: ReasonInvalidRoom, Detail: "room is not a valid session id"}
	}
	return nil
}

// VerifySuggestionAccess requires a session and a question.
func (g *Gate) VerifySuggestionAccess(sessionID, question string) error {
	if sessionID == "" {
		return &ValidationError{Field: "sessionId", Message: "required"}
	}
	if strings.TrimSpace(question) == "" {
		return &ValidationError{Field: "question", Message: "required"}
	}
	return nil
}

// VerifyHistoryAccess requires a session.
func (g *Gate) VerifyHistoryAccess(sessionID string) error {
	if sessionID == "" {
		return &ValidationError{Field: "sessionId", Message: "required"}
	}
	return nil
}

// BlockIP refuses all further connections from ip. Existing connections are
// not closed.
func (g *Gate) BlockIP(ip, reason string) {
	if reason == "" {
		reason = "policy violation"
	}
	g.mu.Lock()
	g.blocked[ip] = reason
	g.mu.Unlock()
	slog.Info("IP blocked", "ip", ip, "reason", reason)
}

// UnblockIP lifts a block. It reports whether ip was blocked.
func (g *Gate) UnblockIP(ip string) bool {
	g.mu.Lock()
	_, ok := g.blocked[ip]
	delete(g.blocked, ip)
	g.mu.Unlock()
	if ok {
		slog.Info("IP unblocked", "ip", ip)
	}
	return ok
}

// IsBlocked reports whether ip is on the blocklist.
func (g *Gate) IsBlocked(ip string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[ip]
	return ok
}

// Stats is this process's view of admitted connections and the blocklist.
type Stats struct {
	TotalConnections int               `json:"total_connections"`
	UniqueIPs        int               `json:"unique_ips"`
	BlockedIPs       int               `json:"blocked_ips"`
	ConnectionCounts map[string]int    `json:"connection_counts"`
	BlockedIPList    []string          `json:"blocked_ips_list"`
	BlockReasons     map[string]string `json:"block_reasons"`
}

// Stats returns a snapshot of gate state.
func (g *Gate) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st := Stats{
		UniqueIPs:        len(g.admitted),
		BlockedIPs:       len(g.blocked),
		ConnectionCounts: make(map[string]int, len(g.admitted)),
		BlockedIPList:    make([]string, 0, len(g.blocked)),
		BlockReasons:     make(map[string]string, len(g.blocked)),
	}
	for ip, n := range g.admitted {
		st.TotalConnections += n
		st.ConnectionCounts[ip] = n
	}
	for ip, reason := range g.blocked {
		st.BlockedIPList = append(st.BlockedIPList, ip)
		st.BlockReasons[ip] = reason
	}
	sort.Strings(st.BlockedIPList)
	return st
}

func decrement(m map[string]int, key string) {
	if m[key] <= 1 {
		delete(m, key)
		return
	}
	m[key]--
}
