package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/conversation"
	"github.com/haasonsaas/apibridge/internal/ratelimit"
)

// ErrTooManySessions is returned when the session table is full even after
// evicting the oldest entries.
var ErrTooManySessions = errors.New("session: maximum session limit reached")

// reapInterval is how often the idle reaper sweeps the table.
const reapInterval = 5 * time.Minute

// evictBatch is how many of the oldest sessions are dropped when the table
// hits capacity.
const evictBatch = 10

// Manager is the session table. The table lock is only held for
// insert/lookup/remove; per-session state is guarded by the session gate.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxSessions int
	timeout     time.Duration
	logger      *slog.Logger

	// onRemove is invoked after Remove (or the idle reaper) drops a session;
	// capacity eviction in Create does not invoke it.
	onRemove func(*Session)
}

// NewManager creates a session manager.
func NewManager(maxSessions int, timeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		timeout:     timeout,
		logger:      logger,
	}
}

// SetOnRemove installs a callback invoked when sessions are removed or reaped;
// sessions evicted at capacity do not trigger it.
func (m *Manager) SetOnRemove(fn func(*Session)) {
	m.onRemove = fn
}

// Create builds a new session around the given collaborators and inserts it
// into the table, evicting the oldest sessions when at capacity.
func (m *Manager) Create(creds *auth.Store, conv *conversation.Manager, gate *ratelimit.Bucket) (*Session, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.evictOldestLocked(evictBatch)
		if len(m.sessions) >= m.maxSessions {
			m.mu.Unlock()
			return nil, ErrTooManySessions
		}
	}
	sess := newSession(creds, conv, gate)
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Remove drops a session from the table.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("session removed", "session_id", id,
			"duration", time.Since(sess.CreatedAt).Round(time.Second),
			"messages", sess.Conversation.Len())
		if m.onRemove != nil {
			m.onRemove(sess)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run sweeps idle sessions until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	now := time.Now()
	var expired []string

	m.mu.RLock()
	for id, sess := range m.sessions {
		if sess.Expired(m.timeout, now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.Remove(id)
	}
	if len(expired) > 0 {
		m.logger.Info("reaped idle sessions", "count", len(expired))
	}
}

// evictOldestLocked removes the oldest sessions; the caller holds the table
// lock.
func (m *Manager) evictOldestLocked(count int) {
	type entry struct {
		id      string
		created time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for id, sess := range m.sessions {
		entries = append(entries, entry{id: id, created: sess.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].created.Before(entries[j].created) })

	for i := 0; i < count && i < len(entries); i++ {
		delete(m.sessions, entries[i].id)
	}
}
