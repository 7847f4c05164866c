// Package postgres is a document store and category repository backed by
// PostgreSQL. Changes are broadcast with NOTIFY so every process sharing the
// database refreshes its subscribers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fintrack/internal/docstore"
	"fintrack/internal/log"
)

// ChangeChannel is the NOTIFY channel carrying changed collection paths.
const ChangeChannel = "fintrack_changes"

const (
	// changeTimeout bounds the local refresh that follows a write.
	changeTimeout = 5 * time.Second

	maxListenBackoff = 30 * time.Second
)

type Store struct {
	pool   *pgxpool.Pool
	hub    *docstore.Hub
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	feedMu sync.Mutex
}

// Open connects to databaseURL and migrates the schema.
func Open(ctx context.Context, databaseURL string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger = logger.WithComponent(log.ComponentStorage)
	logger.Info("PostgreSQL database ready", log.FieldBackend, "postgres")

	return &Store{
		pool:   pool,
		hub:    docstore.NewHub(),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Categories returns a category repository sharing this pool.
func (s *Store) Categories() *CategoryRepository {
	return &CategoryRepository{pool: s.pool}
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Subscribe implements docstore.Subscriber.
func (s *Store) Subscribe(ctx context.Context, path string, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Subscription, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return nil, err
	}

	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	docs, err := s.query(ctx, path)
	if err != nil {
		return nil, err
	}
	sub, err := s.hub.Add(path, onSnapshot, onError)
	if err != nil {
		return nil, err
	}
	sub.Push(docs)
	return sub, nil
}

// Insert implements docstore.Inserter. The row and its notification commit
// together.
func (s *Store) Insert(ctx context.Context, path string, doc docstore.Document) (string, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return "", err
	}
	id := s.newID()
	created := docstore.TimestampFromTime(s.now())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (id, collection, type, amount, category,
				date_seconds, date_nanos, created_seconds, created_nanos)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, path, doc.Type, doc.Amount, doc.Category,
			doc.Date.Seconds, doc.Date.Nanos, created.Seconds, created.Nanos); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, path)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}

	s.logger.DebugContext(ctx, "Document inserted", log.FieldDocPath, path, log.FieldTxID, id)
	s.changed(ctx, path)
	return id, nil
}

// Delete implements docstore.Deleter. Deleting a missing id succeeds.
func (s *Store) Delete(ctx context.Context, path string, id string) error {
	if err := docstore.ValidatePath(path); err != nil {
		return err
	}
	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, path, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		deleted = true
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, path)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if deleted {
		s.logger.DebugContext(ctx, "Document deleted", log.FieldDocPath, path, log.FieldTxID, id)
		s.changed(ctx, path)
	}
	return nil
}

// changed refreshes local subscribers after a committed write without waiting
// for the notification round trip. It outlives the caller's context.
func (s *Store) changed(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), changeTimeout)
	defer cancel()
	_ = s.Refresh(ctx, path)
}

// Refresh re-reads path and pushes the result to its subscribers.
func (s *Store) Refresh(ctx context.Context, path string) error {
	if !s.hub.HasSubscribers(path) {
		return nil
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	docs, err := s.query(ctx, path)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to refresh subscribers",
			log.FieldDocPath, path,
			log.FieldError, err)
		return err
	}
	s.hub.Publish(path, docs)
	return nil
}

// Listen holds a dedicated connection on ChangeChannel and refreshes the
// subscribers of every announced path until ctx is done. A lost connection is
// re-established with exponential backoff, and every subscribed path is
// refreshed once listening resumes so changes made during the outage arrive.
func (s *Store) Listen(ctx context.Context) error {
	attempt := 0
	resync := false
	for {
		started, err := s.listenOnce(ctx, resync)
		if ctx.Err() != nil {
			s.logger.InfoContext(ctx, "Stopping change listener", "reason", ctx.Err())
			return nil
		}
		if started {
			attempt = 0
		}
		resync = true
		wait := listenBackoff(attempt)
		attempt++
		s.logger.WarnContext(ctx, "Change listener disconnected, retrying",
			log.FieldError, err,
			"retry_in", wait.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// listenOnce listens until the connection fails. started reports whether
// LISTEN succeeded.
func (s *Store) listenOnce(ctx context.Context, resync bool) (started bool, err error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen: %w", err)
	}
	s.logger.InfoContext(ctx, "Listening for changes", "channel", ChangeChannel)
	if resync {
		s.refreshAll(ctx)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true, nil
			}
			// The connection may be broken; do not hand it back to the pool.
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		_ = s.Refresh(ctx, n.Payload)
	}
}

func (s *Store) refreshAll(ctx context.Context) {
	for _, path := range s.hub.Paths() {
		_ = s.Refresh(ctx, path)
	}
}

// listenBackoff returns 1s, 2s, 4s, ... capped at maxListenBackoff.
func listenBackoff(attempt int) time.Duration {
	if attempt > 5 {
		return maxListenBackoff
	}
	d := time.Second << attempt
	if d > maxListenBackoff {
		return maxListenBackoff
	}
	return d
}

func (s *Store) query(ctx context.Context, path string) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, amount, category, date_seconds, date_nanos, created_seconds, created_nanos
		FROM documents
		WHERE collection = $1
		ORDER BY created_seconds, created_nanos, id`, path)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (docstore.Document, error) {
		var d docstore.Document
		err := row.Scan(&d.ID, &d.Type, &d.Amount, &d.Category,
			&d.Date.Seconds, &d.Date.Nanos, &d.CreatedAt.Seconds, &d.CreatedAt.Nanos)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return docs, nil
}

// Close stops every subscription and closes the pool.
func (s *Store) Close() error {
	s.hub.Close()
	s.pool.Close()
	return nil
}
