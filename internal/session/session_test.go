package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

type fakeStore struct {
	getOrCreateCalls int32
	touchCalls       int32
	touchErr         error
	sweepCount       int
	session          memory.Session
}

func (f *fakeStore) GetOrCreateSession(ctx context.Context, user string, reactivationWindowMinutes, timeoutMinutes int) (memory.Session, error) {
	atomic.AddInt32(&f.getOrCreateCalls, 1)
	if f.session.SessionID == "" {
		f.session = memory.Session{SessionID: user + "_s1", UserName: user, LastActivity: time.Now(), State: memory.SessionActive}
	}
	return f.session, nil
}

func (f *fakeStore) TouchSession(ctx context.Context, sessionID string) error {
	atomic.AddInt32(&f.touchCalls, 1)
	return f.touchErr
}

func (f *fakeStore) SweepIdleSessions(ctx context.Context, timeoutMinutes int) (int, error) {
	return f.sweepCount, nil
}

func TestGetOrCreate_CachesWithinTimeoutWindow(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, 10, 30)

	id1, err := m.GetOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := m.GetOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("session id changed across calls: %q vs %q", id1, id2)
	}
	if store.getOrCreateCalls != 1 {
		t.Errorf("GetOrCreateSession calls = %d, want 1 (second call should hit cache)", store.getOrCreateCalls)
	}
	if store.touchCalls != 1 {
		t.Errorf("TouchSession calls = %d, want 1", store.touchCalls)
	}
}

func TestGetOrCreate_DifferentUsersDoNotShareCache(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(store, 10, 30)

	idA, _ := m.GetOrCreate(context.Background(), "alice")
	store.session = memory.Session{} // force a fresh mint for the next user
	idB, _ := m.GetOrCreate(context.Background(), "bob")

	if idA == idB {
		t.Errorf("expected distinct session ids, got %q for both", idA)
	}
}

func TestGetOrCreate_FallsBackToStoreWhenTouchFails(t *testing.T) {
	store := &fakeStore{touchErr: errTouchFailed}
	m := NewManager(store, 10, 30)

	if _, err := m.GetOrCreate(context.Background(), "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.GetOrCreate(context.Background(), "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.getOrCreateCalls != 2 {
		t.Errorf("GetOrCreateSession calls = %d, want 2 (touch failure should re-resolve via store)", store.getOrCreateCalls)
	}
}

func TestSweepOnce_EvictsStaleCacheEntries(t *testing.T) {
	store := &fakeStore{sweepCount: 1}
	m := NewManager(store, 10, 0) // timeoutMinutes=0 makes every entry immediately stale

	m.GetOrCreate(context.Background(), "alice")
	if len(m.cache) != 1 {
		t.Fatalf("expected 1 cached entry, got %d", len(m.cache))
	}

	m.sweepOnce(context.Background())

	if len(m.cache) != 0 {
		t.Errorf("expected stale entry evicted after sweep, cache = %v", m.cache)
	}
}

var errTouchFailed = &touchError{}

type touchError struct{}

func (*touchError) Error() string { return "touch failed" }
