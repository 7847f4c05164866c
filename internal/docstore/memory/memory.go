// Package memory is an in-process document store with live subscriptions.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/docstore"
)

type Store struct {
	mu     sync.Mutex
	hub    *docstore.Hub
	order  map[string][]string
	docs   map[string]map[string]docstore.Document
	now    func() time.Time
	newID  func() string
	closed bool
}

func New() *Store {
	return &Store{
		hub:   docstore.NewHub(),
		order: make(map[string][]string),
		docs:  make(map[string]map[string]docstore.Document),
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Subscribe implements docstore.Subscriber. The initial snapshot is
// delivered asynchronously like every later one.
func (s *Store) Subscribe(ctx context.Context, path string, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Subscription, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Holding the lock across Add and Push keeps a concurrent write from
	// slipping between registration and the first snapshot.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	sub, err := s.hub.Add(path, onSnapshot, onError)
	if err != nil {
		return nil, err
	}
	sub.Push(s.snapshotLocked(path))
	return sub, nil
}

// Insert implements docstore.Inserter.
func (s *Store) Insert(ctx context.Context, path string, doc docstore.Document) (string, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", docstore.ErrClosed
	}

	doc.ID = s.newID()
	doc.CreatedAt = docstore.TimestampFromTime(s.now())
	if s.docs[path] == nil {
		s.docs[path] = make(map[string]docstore.Document)
	}
	s.docs[path][doc.ID] = doc
	s.order[path] = append(s.order[path], doc.ID)

	s.hub.Publish(path, s.snapshotLocked(path))
	return doc.ID, nil
}

// Delete implements docstore.Deleter.
func (s *Store) Delete(ctx context.Context, path string, id string) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}

	if _, ok := s.docs[path][id]; !ok {
		return nil
	}
	delete(s.docs[path], id)
	ids := s.order[path]
	for i, v := range ids {
		if v == id {
			s.order[path] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}

	s.hub.Publish(path, s.snapshotLocked(path))
	return nil
}

// Len returns the number of documents stored under path.
func (s *Store) Len(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[path])
}

// Close ends every live subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

func (s *Store) snapshotLocked(path string) []docstore.Document {
	ids := s.order[path]
	out := make([]docstore.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.docs[path][id])
	}
	return out
}
