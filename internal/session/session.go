// Package session binds one client's identity, cursor and transaction store
// together and derives the views shown to that client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fintrack/internal/auth"
	"fintrack/internal/categories"
	"fintrack/internal/core"
	"fintrack/internal/docstore"
	"fintrack/internal/log"
	"fintrack/internal/period"
	"fintrack/internal/store"
	"fintrack/internal/view"
)

var (
	ErrClosed = errors.New("session closed")
	// ErrNotSignedIn is returned by writes on a signed-out session.
	ErrNotSignedIn = store.ErrNotSignedIn
)

// Config holds the settings shared by every session.
type Config struct {
	Location      *time.Location
	ViewCacheSize int
	ViewCacheTTL  time.Duration
}

// Frame is everything a client needs to render one screen.
type Frame struct {
	Identity string
	Cursor   period.Cursor
	View     view.View
	Loading  bool
	Err      error
}

// Session is the state of one client: who is signed in, which period is
// selected and the live transaction list for that identity.
type Session struct {
	id      string
	auth    *auth.State
	store   *store.Store
	cats    *categories.Service
	deriver *view.Deriver
	logger  *log.Logger
	now     func() time.Time

	mu       sync.Mutex
	cursor   period.Cursor
	lastSeen time.Time
	closed   bool
	watchers map[int]chan struct{}
	nextID   int

	stopAuth  func()
	stopStore func()
}

// New creates a signed-out session positioned on today.
func New(id string, docs docstore.DocumentStore, cats *categories.Service, cfg Config, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger = logger.WithComponent(log.ComponentSession).With(log.FieldSessionID, id)

	s := &Session{
		id:       id,
		auth:     auth.NewState(),
		store:    store.New(docs, logger),
		cats:     cats,
		deriver:  view.NewDeriver(cfg.Location, cfg.ViewCacheSize, cfg.ViewCacheTTL),
		logger:   logger,
		now:      time.Now,
		cursor:   period.Today(cfg.Location),
		watchers: make(map[int]chan struct{}),
	}
	s.lastSeen = s.now()
	s.stopAuth = s.auth.Watch(s.onIdentity)
	s.stopStore = s.store.OnChange(func(store.Snapshot) { s.signal() })
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Auth returns the identity state driving this session.
func (s *Session) Auth() *auth.State {
	return s.auth
}

// Store returns the session's transaction store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Deriver returns the view deriver, mainly so its cache can be cleaned.
func (s *Session) Deriver() *view.Deriver {
	return s.deriver
}

// SignIn switches the session to id, replacing any previous identity.
func (s *Session) SignIn(id auth.Identity) {
	s.auth.SignIn(id)
}

func (s *Session) SignOut() {
	s.auth.SignOut()
}

func (s *Session) onIdentity(id auth.Identity, signedIn bool) {
	if !signedIn {
		s.store.Unsubscribe()
		s.logger.Info("Signed out", log.FieldOperation, log.OpSignOut)
		return
	}
	s.logger.Info("Signed in",
		log.FieldOperation, log.OpSignIn,
		log.FieldIdentity, id.ID)
	if err := s.store.Subscribe(context.Background(), id.ID); err != nil {
		s.logger.Error("Failed to open transaction feed",
			log.FieldIdentity, id.ID,
			log.FieldError, err)
	}
}

// Identity returns the signed-in identity id, or "" when signed out.
func (s *Session) Identity() string {
	id, ok := s.auth.Current()
	if !ok {
		return ""
	}
	return id.ID
}

// Cursor returns the selected date.
func (s *Session) Cursor() period.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// StepDay moves the cursor by delta days.
func (s *Session) StepDay(delta int) period.Cursor {
	return s.moveCursor(func(c *period.Cursor) { c.StepDay(delta) })
}

// StepMonth moves the cursor by delta months and resets the day to 1.
func (s *Session) StepMonth(delta int) period.Cursor {
	return s.moveCursor(func(c *period.Cursor) { c.StepMonth(delta) })
}

// SetCursor jumps to the given date.
func (s *Session) SetCursor(year int, month time.Month, day int) period.Cursor {
	return s.moveCursor(func(c *period.Cursor) { c.Set(year, month, day) })
}

func (s *Session) moveCursor(fn func(*period.Cursor)) period.Cursor {
	s.mu.Lock()
	fn(&s.cursor)
	c := s.cursor
	s.mu.Unlock()

	s.logger.Debug("Cursor moved", log.FieldOperation, log.OpNavigate, "cursor", c.String())
	s.signal()
	return c
}

// View derives the totals for the cursor's day or month window.
func (s *Session) View(kind period.Kind) view.View {
	list, version := s.store.Current()
	return s.deriver.Derive(version, list, s.Cursor(), kind)
}

// Frame returns the view together with the store status.
func (s *Session) Frame(kind period.Kind) Frame {
	snap := s.store.Snapshot()
	c := s.Cursor()
	return Frame{
		Identity: snap.Identity,
		Cursor:   c,
		View:     s.deriver.Derive(snap.Version, snap.Transactions, c, kind),
		Loading:  snap.Loading,
		Err:      snap.Err,
	}
}

// AddTransaction validates e against the identity's categories and forwards
// it to the store. The list only changes when the feed delivers the write.
func (s *Session) AddTransaction(ctx context.Context, e core.Entry) (string, error) {
	identity := s.Identity()
	if identity == "" {
		return "", ErrNotSignedIn
	}
	set, err := s.cats.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	e = e.Normalize()
	if err := e.Validate(set); err != nil {
		s.logger.WarnContext(ctx, "Rejected transaction",
			log.FieldOperation, log.OpValidate,
			log.FieldError, err)
		return "", err
	}
	return s.store.Add(ctx, e)
}

func (s *Session) DeleteTransaction(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Categories returns the signed-in identity's category set.
func (s *Session) Categories(ctx context.Context) (core.CategorySet, error) {
	identity := s.Identity()
	if identity == "" {
		return core.CategorySet{}, ErrNotSignedIn
	}
	return s.cats.Get(ctx, identity)
}

func (s *Session) AddCategory(ctx context.Context, t core.TransactionType, label string) error {
	identity := s.Identity()
	if identity == "" {
		return ErrNotSignedIn
	}
	return s.cats.Add(ctx, identity, t, label)
}

func (s *Session) DeleteCategory(ctx context.Context, t core.TransactionType, label string) error {
	identity := s.Identity()
	if identity == "" {
		return ErrNotSignedIn
	}
	return s.cats.Delete(ctx, identity, t, label)
}

// Changes returns a channel that receives a value whenever the store or the
// cursor changes. Signals are coalesced. The channel is closed when cancel is
// called or the session closes.
func (s *Session) Changes() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if w, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(w)
		}
	}
}

func (s *Session) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// IdleSince reports how long the session has been inactive at now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// Close signs out, stops the feed and closes all change channels. Close is
// idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = map[int]chan struct{}{}
	s.mu.Unlock()

	s.stopAuth()
	s.stopStore()
	s.store.Unsubscribe()
	s.deriver.Reset()
	for _, ch := range watchers {
		close(ch)
	}
	s.logger.Debug("Session closed")
	return nil
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.Identity())
}
