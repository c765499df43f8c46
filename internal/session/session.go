// Package session implements the in-memory session cache that sits in
// front of the memory store's GetOrCreateSession/TouchSession/SweepIdleSessions, so that
// most turns never need a DB round trip to resolve a user's logical session
// id.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// sweepInterval is how often [Manager.RunSweeper] asks the store to idle out
// stale sessions.
const sweepInterval = 5 * time.Minute

// Store is the subset of the memory store the session manager needs.
type Store interface {
	GetOrCreateSession(ctx context.Context, user string, reactivationWindowMinutes, timeoutMinutes int) (memory.Session, error)
	TouchSession(ctx context.Context, sessionID string) error
	SweepIdleSessions(ctx context.Context, timeoutMinutes int) (int, error)
}

type cacheEntry struct {
	sessionID    string
	lastActivity time.Time
}

// Manager is the in-memory map of active sessions, guarded by a mutex and
// backed by [Store] on a cache miss.
type Manager struct {
	store                      Store
	reactivationWindowMinutes  int
	timeoutMinutes             int

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewManager creates a [Manager]. reactivationWindowMinutes and
// timeoutMinutes should come from the persona config (session_reactivation_minutes,
// session_timeout_minutes).
func NewManager(store Store, reactivationWindowMinutes, timeoutMinutes int) *Manager {
	return &Manager{
		store:                     store,
		reactivationWindowMinutes: reactivationWindowMinutes,
		timeoutMinutes:            timeoutMinutes,
		cache:                     make(map[string]cacheEntry),
	}
}

// GetOrCreate resolves a user's session: an in-memory hit that is
// still within the configured timeout window is reused and touched in the
// DB; otherwise the DB-side lookup (active reuse, idle reactivation, or
// mint) runs and the result is cached.
func (m *Manager) GetOrCreate(ctx context.Context, user string) (string, error) {
	m.mu.Lock()
	entry, ok := m.cache[user]
	m.mu.Unlock()

	if ok && time.Since(entry.lastActivity) < time.Duration(m.timeoutMinutes)*time.Minute {
		if err := m.store.TouchSession(ctx, entry.sessionID); err != nil {
			slog.Warn("session: touch failed, falling back to store lookup", "user", user, "err", err)
		} else {
			m.mu.Lock()
			entry.lastActivity = time.Now()
			m.cache[user] = entry
			m.mu.Unlock()
			return entry.sessionID, nil
		}
	}

	sess, err := m.store.GetOrCreateSession(ctx, user, m.reactivationWindowMinutes, m.timeoutMinutes)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[user] = cacheEntry{sessionID: sess.SessionID, lastActivity: time.Now()}
	m.mu.Unlock()

	return sess.SessionID, nil
}

// RunSweeper runs [Store.SweepIdleSessions] every 5 minutes until ctx is
// canceled, evicting any now-idle sessions from the local cache so the next
// GetOrCreate for that user re-resolves via the DB (picking up reactivation
// or a fresh session).
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	n, err := m.store.SweepIdleSessions(ctx, m.timeoutMinutes)
	if err != nil {
		slog.Warn("session: sweep idle sessions failed", "err", err)
		return
	}
	if n == 0 {
		return
	}
	slog.Info("session: swept idle sessions", "count", n)

	cutoff := time.Duration(m.timeoutMinutes) * time.Minute
	m.mu.Lock()
	for user, entry := range m.cache {
		if time.Since(entry.lastActivity) >= cutoff {
			delete(m.cache, user)
		}
	}
	m.mu.Unlock()
}
