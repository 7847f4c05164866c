package docstore

import (
	"sync"
)

// Hub fans snapshots out to subscribers grouped by path. Every subscriber
// gets its own delivery goroutine; when it falls behind only the latest
// snapshot is kept.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Listener]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Listener]struct{})}
}

// Listener is one subscriber registered on a Hub. It implements Subscription.
type Listener struct {
	hub        *Hub
	path       string
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	mu         sync.Mutex
	pending    []Document
	hasPending bool
	err        error

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Add registers a subscriber for path. The caller typically follows with
// Push to deliver the initial snapshot.
func (h *Hub) Add(path string, onSnapshot SnapshotFunc, onError ErrorFunc) (*Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := &Listener{
		hub:        h,
		path:       path,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if h.subs[path] == nil {
		h.subs[path] = make(map[*Listener]struct{})
	}
	h.subs[path][s] = struct{}{}
	go s.run()
	return s, nil
}

// Publish sends docs to every subscriber of path.
func (h *Hub) Publish(path string, docs []Document) {
	for _, s := range h.subscribers(path) {
		s.Push(docs)
	}
}

// Fail ends every subscription of path with err.
func (h *Hub) Fail(path string, err error) {
	for _, s := range h.subscribers(path) {
		s.fail(err)
	}
}

// HasSubscribers reports whether anyone listens on path.
func (h *Hub) HasSubscribers(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[path]) > 0
}

// Paths lists the paths that currently have subscribers.
func (h *Hub) Paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for p, set := range h.subs {
		if len(set) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Close ends every subscription with ErrClosed and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Listener
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.fail(ErrClosed)
	}
}

func (h *Hub) subscribers(path string) []*Listener {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Listener, 0, len(h.subs[path]))
	for s := range h.subs[path] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) remove(s *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[s.path]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.path)
		}
	}
}

// Push queues docs for this subscriber only, replacing anything not yet
// delivered.
func (s *Listener) Push(docs []Document) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.pending = CloneDocuments(docs)
	s.hasPending = true
	s.mu.Unlock()
	s.signal()
}

func (s *Listener) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.hasPending = false
	s.pending = nil
	s.mu.Unlock()
	s.hub.remove(s)
	s.signal()
}

func (s *Listener) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Unsubscribe implements Subscription.
func (s *Listener) Unsubscribe() {
	s.stopOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Listener) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		docs, ok, err := s.pending, s.hasPending, s.err
		s.pending, s.hasPending = nil, false
		s.mu.Unlock()

		// Unsubscribe wins over anything still queued.
		select {
		case <-s.done:
			return
		default:
		}

		if err != nil {
			if s.onError != nil {
				s.onError(err)
			}
			s.Unsubscribe()
			return
		}
		if ok && s.onSnapshot != nil {
			s.onSnapshot(docs)
		}
	}
}
