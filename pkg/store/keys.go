package store

const (
	sessionPrefix    = "session:"
	taskPrefix       = "task:"
	historyPrefix    = "history:"
	suggestionPrefix = "suggestion:"

	connCounterPrefix = "admission:conn:"
	rateWindowPrefix  = "admission:rate:"
)

// SessionKey is the hash holding a session record.
func SessionKey(sessionID string) string { return sessionPrefix + sessionID }

// TaskKey is the hash holding a task record.
func TaskKey(sessionID, taskID string) string { return taskPrefix + sessionID + ":" + taskID }

// HistoryKey is the newest-first list of a session's history entries.
func HistoryKey(sessionID string) string { return historyPrefix + sessionID }

// SuggestionKey is the hash holding a suggestion task's question and result.
func SuggestionKey(sessionID, taskID string) string {
	return suggestionPrefix + sessionID + ":" + taskID
}

func taskSessionPrefix(sessionID string) string       { return taskPrefix + sessionID + ":" }
func suggestionSessionPrefix(sessionID string) string { return suggestionPrefix + sessionID + ":" }
