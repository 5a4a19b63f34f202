// Package session holds the per-connection session state and the process
// session table.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/conversation"
	"github.com/haasonsaas/apibridge/internal/ratelimit"
)

// Session is one client connection's state: credentials, conversation
// history, the model rate gate, and the serializing gate that keeps exactly
// one turn in flight.
type Session struct {
	ID        string
	CreatedAt time.Time

	Credentials  *auth.Store
	Conversation *conversation.Manager
	RateGate     *ratelimit.Bucket

	// gate serializes turn processing. It is never held across the session
	// table lock.
	gate chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

func newSession(creds *auth.Store, conv *conversation.Manager, gate *ratelimit.Bucket) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Credentials:  creds,
		Conversation: conv,
		RateGate:     gate,
		gate:         make(chan struct{}, 1),
		lastActivity: now,
	}
}

// Acquire takes the session gate, blocking until it is free or the context
// is done.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate without blocking.
func (s *Session) TryAcquire() bool {
	select {
	case s.gate <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the session gate.
func (s *Session) Release() {
	select {
	case <-s.gate:
	default:
	}
}

// Touch records activity for idle expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(timeout time.Duration, now time.Time) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActivity()) > timeout
}
