package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/cache"
	"fintrack/internal/categories"
	"fintrack/internal/docstore"
	"fintrack/internal/log"
)

// Manager owns the sessions of all connected clients.
type Manager struct {
	docs        docstore.DocumentStore
	cats        *categories.Service
	cfg         Config
	idleTimeout time.Duration
	caches      *cache.Manager
	logger      *log.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager whose sessions expire after idleTimeout of
// inactivity. A zero timeout keeps sessions until they are removed.
func NewManager(docs docstore.DocumentStore, cats *categories.Service, cfg Config, idleTimeout time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	m := &Manager{
		docs:        docs,
		cats:        cats,
		cfg:         cfg,
		idleTimeout: idleTimeout,
		caches:      cache.NewManager(),
		logger:      logger.WithComponent(log.ComponentSession),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
	m.caches.OnClean(func(removed int) {
		m.logger.Debug("Expired cached views", log.FieldCount, removed)
	})
	return m
}

// Create opens a new signed-out session.
func (m *Manager) Create() *Session {
	id := uuid.NewString()
	s := New(id, m.docs, m.cats, m.cfg, m.logger)
	s.now = m.now
	s.Touch()
	if c := s.Deriver().Cache(); c != nil {
		m.caches.Register(c)
	}

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("Session created", log.FieldSessionID, id, log.FieldCount, n)
	return s
}

// Get returns the session with id and marks it active.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.Touch()
	}
	return s, ok
}

// Remove closes and forgets the session with id.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.release(s)
	return true
}

// Categories returns the category service shared by all sessions.
func (m *Manager) Categories() *categories.Service {
	return m.cats
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the timeout and returns how
// many were removed.
func (m *Manager) Sweep() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.IdleSince(now) > m.idleTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.release(s)
	}
	if len(expired) > 0 {
		m.logger.Info("Expired idle sessions", log.FieldCount, len(expired))
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done, then closes
// every remaining session.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	m.caches.StartCleanup(interval)
	defer m.caches.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.release(s)
	}
	if len(all) > 0 {
		m.logger.Info("Closed sessions", log.FieldOperation, log.OpShutdown, log.FieldCount, len(all))
	}
}

func (m *Manager) release(s *Session) {
	if c := s.Deriver().Cache(); c != nil {
		m.caches.Unregister(c)
	}
	_ = s.Close()
}
