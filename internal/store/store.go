// Package store keeps the signed-in identity's transactions in memory, fed by
// a live document store subscription.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fintrack/internal/core"
	"fintrack/internal/docstore"
	"fintrack/internal/log"
)

var ErrNotSignedIn = errors.New("not signed in")

// Snapshot is the store state handed to change listeners.
type Snapshot struct {
	Identity     string
	Transactions []core.Transaction
	Version      uint64
	Loading      bool
	Err          error
}

// Store holds the transaction list of one identity at a time.
//
// Every subscription captures the generation current when it was opened.
// Callbacks carrying an older generation are dropped, so a late snapshot
// from a cancelled feed can never overwrite the list of a newer identity.
type Store struct {
	docs   docstore.DocumentStore
	logger *log.Logger

	mu         sync.RWMutex
	generation uint64
	identity   string
	sub        docstore.Subscription
	list       []core.Transaction
	version    uint64
	loading    bool
	lastErr    error

	notifyMu  sync.Mutex
	notified  uint64
	listeners map[int]func(Snapshot)
	nextID    int
}

func New(docs docstore.DocumentStore, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Store{
		docs:      docs,
		logger:    logger.WithComponent(log.ComponentStore),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Subscribe starts the live feed for identity. Any previous feed is
// cancelled and its list cleared before the new one is opened. A failure to
// open the feed is returned and leaves the store empty and not loading.
func (s *Store) Subscribe(ctx context.Context, identity string) error {
	if identity == "" {
		s.Unsubscribe()
		return ErrNotSignedIn
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	prev := s.sub
	s.sub = nil
	s.identity = identity
	s.list = nil
	s.loading = true
	s.lastErr = nil
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
	s.notify(snap)

	path := docstore.TransactionsPath(identity)
	sub, err := s.docs.Subscribe(ctx, path, s.snapshotHandler(gen), s.errorHandler(gen))
	if err != nil {
		s.mu.Lock()
		current := s.generation == gen
		if current {
			s.loading = false
			s.lastErr = err
			s.version++
			snap = s.snapshotLocked()
		}
		s.mu.Unlock()
		if current {
			s.notify(snap)
		}
		s.logger.ErrorContext(ctx, "Failed to subscribe to transactions",
			log.FieldIdentity, identity,
			log.FieldDocPath, path,
			log.FieldError, err)
		return fmt.Errorf("subscribe %s: %w", path, err)
	}

	s.mu.Lock()
	if s.generation != gen {
		// Another Subscribe or Unsubscribe ran while we were opening.
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Subscribed to transactions",
		log.FieldIdentity, identity,
		log.FieldGeneration, gen)
	return nil
}

// Unsubscribe cancels the live feed and forgets the identity and its list.
func (s *Store) Unsubscribe() {
	s.mu.Lock()
	s.generation++
	prev := s.sub
	hadIdentity := s.identity != ""
	s.sub = nil
	s.identity = ""
	s.list = nil
	s.loading = false
	s.lastErr = nil
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
	s.notify(snap)
	if hadIdentity {
		s.logger.Info("Unsubscribed from transactions")
	}
}

func (s *Store) snapshotHandler(gen uint64) docstore.SnapshotFunc {
	return func(docs []docstore.Document) {
		txs := make([]core.Transaction, 0, len(docs))
		for _, d := range docs {
			tx, err := fromDocument(d)
			if err != nil {
				s.logger.Warn("Skipping malformed transaction document", log.FieldError, err)
				continue
			}
			txs = append(txs, tx)
		}
		SortByDateDesc(txs)

		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			s.logger.Debug("Discarded snapshot from stale subscription",
				log.FieldGeneration, gen)
			return
		}
		s.list = txs
		s.loading = false
		s.lastErr = nil
		s.version++
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.notify(snap)
	}
}

func (s *Store) errorHandler(gen uint64) docstore.ErrorFunc {
	return func(err error) {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		identity := s.identity
		s.sub = nil
		s.loading = false
		s.lastErr = err
		s.version++
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.logger.Error("Transaction subscription failed",
			log.FieldIdentity, identity,
			log.FieldGeneration, gen,
			log.FieldError, err)
		s.notify(snap)
	}
}

// Add inserts e for the current identity. The local list is not touched;
// the new transaction arrives through the subscription.
func (s *Store) Add(ctx context.Context, e core.Entry) (string, error) {
	identity := s.Identity()
	if identity == "" {
		return "", ErrNotSignedIn
	}
	e = e.Normalize()

	id, err := s.docs.Insert(ctx, docstore.TransactionsPath(identity), toDocument(e))
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to add transaction",
			log.FieldIdentity, identity,
			log.FieldTxType, e.Type.String(),
			log.FieldAmount, e.Amount.String(),
			log.FieldError, err)
		return "", fmt.Errorf("add transaction: %w", err)
	}

	log.NewStructuredLogger(s.logger).LogTransactionCreated(ctx, id, e.Type.String(), core.FormatAmount(e.Amount), e.Category)
	return id, nil
}

// Delete removes id for the current identity. Like Add, the local list only
// changes when the subscription reports it.
func (s *Store) Delete(ctx context.Context, id string) error {
	identity := s.Identity()
	if identity == "" {
		return ErrNotSignedIn
	}

	if err := s.docs.Delete(ctx, docstore.TransactionsPath(identity), id); err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete transaction",
			log.FieldIdentity, identity,
			log.FieldTxID, id,
			log.FieldError, err)
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}

	s.logger.InfoContext(ctx, "Transaction deleted",
		log.FieldIdentity, identity,
		log.FieldTxID, id,
		log.FieldOperation, log.OpDelete)
	return nil
}

// Transactions returns a copy of the current list, newest first.
func (s *Store) Transactions() []core.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Transaction(nil), s.list...)
}

// Current returns the list together with its version, read atomically.
func (s *Store) Current() ([]core.Transaction, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Transaction(nil), s.list...), s.version
}

func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Loading reports whether the first snapshot of the active feed is pending.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the error that ended the last subscription attempt, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Version increases on every state change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// OnChange registers fn to be called after every state change, in version
// order. fn must not call Subscribe or Unsubscribe. The returned func
// removes the listener.
func (s *Store) OnChange(fn func(Snapshot)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:     s.identity,
		Transactions: append([]core.Transaction(nil), s.list...),
		Version:      s.version,
		Loading:      s.loading,
		Err:          s.lastErr,
	}
}

func (s *Store) notify(snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.Version <= s.notified {
		return
	}
	s.notified = snap.Version
	for _, fn := range s.listeners {
		fn(snap)
	}
}

// SortByDateDesc orders txs newest first; ties fall back to CreatedAt, then
// id, so the order is deterministic.
func SortByDateDesc(txs []core.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
