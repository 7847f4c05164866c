package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"fintrack/internal/auth"
	"fintrack/internal/categories"
	"fintrack/internal/docstore/memory"
	"fintrack/internal/log"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *fakeClock) {
	t.Helper()
	docs := memory.New()
	t.Cleanup(func() { docs.Close() })
	cats := categories.NewService(categories.NewMemoryRepository(), categories.DefaultPolicy(), log.Discard())
	m := NewManager(docs, cats, Config{Location: time.UTC, ViewCacheSize: 4, ViewCacheTTL: time.Minute}, idle, log.Discard())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.now
	return m, clock
}

func TestManagerCreateGetRemove(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	a := m.Create()
	b := m.Create()
	if a.ID() == b.ID() {
		t.Fatal("session ids must be unique")
	}
	if got, ok := m.Get(a.ID()); !ok || got != a {
		t.Fatal("Get did not return the created session")
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}

	a.SignIn(auth.Identity{ID: "alice"})
	if !m.Remove(a.ID()) {
		t.Fatal("Remove returned false")
	}
	if m.Remove(a.ID()) {
		t.Fatal("second Remove returned true")
	}
	if _, ok := m.Get(a.ID()); ok {
		t.Fatal("removed session still reachable")
	}
	if a.Store().Identity() != "" {
		t.Fatal("removed session still subscribed")
	}
}

func TestManagerSweepsIdleSessions(t *testing.T) {
	m, clock := newTestManager(t, time.Minute)

	idle := m.Create()
	active := m.Create()

	clock.advance(45 * time.Second)
	m.Get(active.ID())
	clock.advance(30 * time.Second)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d sessions, want 1", n)
	}
	if _, ok := m.Get(idle.ID()); ok {
		t.Fatal("idle session survived the sweep")
	}
	if _, ok := m.Get(active.ID()); !ok {
		t.Fatal("active session was swept")
	}
}

func TestManagerZeroTimeoutNeverSweeps(t *testing.T) {
	m, clock := newTestManager(t, 0)
	m.Create()
	clock.advance(24 * time.Hour)
	if n := m.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d sessions", n)
	}
}

func TestManagerRunClosesOnShutdown(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	s := m.Create()
	s.SignIn(auth.Identity{ID: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if m.Len() != 0 {
		t.Fatalf("Len after shutdown = %d", m.Len())
	}
	if s.Store().Identity() != "" {
		t.Fatal("session not closed on shutdown")
	}
}
