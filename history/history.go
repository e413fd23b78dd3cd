// Package history keeps a bounded in-memory conversation window per
// user, recovered lazily from the conversation log after restart.
package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

// DefaultRounds is the number of user/assistant rounds kept per user.
const DefaultRounds = 3

// Manager tracks one bounded window per user.
//
// The window holds the most recent 2R messages (R rounds of one user
// and one assistant message each). A user's window is recovered from
// the conversation log on first touch after startup; recovery failure
// degrades to an empty window rather than failing the conversation
// turn. The durable log is the source of truth, so a cold window only
// costs context, never data.
type Manager struct {
	log    store.ConversationLog
	rounds int
	logger *slog.Logger

	mu    sync.Mutex
	users map[int64]*userWindow
}

type userWindow struct {
	mu        sync.Mutex
	recovered bool
	messages  []chatmesh.ConversationMessage
}

// NewManager creates a Manager over the given log. rounds <= 0 takes
// DefaultRounds; logger may be nil.
func NewManager(log store.ConversationLog, rounds int, logger *slog.Logger) *Manager {
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:    log,
		rounds: rounds,
		logger: logger,
		users:  map[int64]*userWindow{},
	}
}

// Capacity returns the window size in messages.
func (m *Manager) Capacity() int {
	return 2 * m.rounds
}

func (m *Manager) window(userID int64) *userWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.users[userID]
	if !ok {
		w = &userWindow{}
		m.users[userID] = w
	}
	return w
}

// recover loads the most recent window from the log. Caller holds w.mu.
func (m *Manager) recover(ctx context.Context, userID int64, w *userWindow) {
	if w.recovered {
		return
	}
	w.recovered = true

	msgs, err := m.log.ReadRecent(ctx, userID, m.Capacity())
	if err != nil {
		m.logger.Warn("history recovery failed, starting with empty window",
			"user_id", userID, "error", err)
		return
	}
	w.messages = msgs
}

// Window returns a copy of the user's current window in chronological
// order, recovering it from the log on first access.
func (m *Manager) Window(ctx context.Context, userID int64) []chatmesh.ConversationMessage {
	w := m.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	m.recover(ctx, userID, w)

	out := make([]chatmesh.ConversationMessage, len(w.messages))
	copy(out, w.messages)
	return out
}

// Append adds one already-persisted message to the window, evicting the
// oldest message when the window is full. Append never writes to the
// log; persistence happens before the window is touched.
func (m *Manager) Append(ctx context.Context, msg chatmesh.ConversationMessage) {
	w := m.window(msg.UserID)
	w.mu.Lock()
	defer w.mu.Unlock()
	m.recover(ctx, msg.UserID, w)

	w.messages = append(w.messages, msg)
	if excess := len(w.messages) - m.Capacity(); excess > 0 {
		w.messages = append(w.messages[:0], w.messages[excess:]...)
	}
}

// Forget drops a user's in-memory window. The next touch recovers from
// the log again.
func (m *Manager) Forget(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}
