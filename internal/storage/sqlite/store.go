// Package sqlite is a document store and category repository backed by a
// local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fintrack/internal/docstore"
	"fintrack/internal/log"
)

// Store implements docstore.DocumentStore. Subscribers of a path receive a
// fresh query result after every local write and after every Refresh.
type Store struct {
	db     *sql.DB
	hub    *docstore.Hub
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	// Serialises query-and-push so an older result never lands after a
	// newer one.
	feedMu sync.Mutex

	mu        sync.RWMutex
	publisher docstore.ChangePublisher
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger = logger.WithComponent(log.ComponentStorage)
	logger.Info("SQLite database ready", log.FieldBackend, "sqlite", "path", dbPath)

	return &Store{
		db:     db,
		hub:    docstore.NewHub(),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// SetPublisher makes every local write announce the changed path through p.
func (s *Store) SetPublisher(p docstore.ChangePublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Categories returns a category repository sharing this database.
func (s *Store) Categories() *CategoryRepository {
	return &CategoryRepository{db: s.db}
}

func (s *Store) DB() *sql.DB {
	return s.db
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

// changeTimeout bounds the refresh and announcement that follow a write.
const changeTimeout = 5 * time.Second

// Insert implements docstore.Inserter.
func (s *Store) Insert(ctx context.Context, path string, doc docstore.Document) (string, error) {
	if err := docstore.ValidatePath(path); err != nil {
		return "", err
	}
	id := s.newID()
	created := docstore.TimestampFromTime(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, collection, type, amount, category,
			date_seconds, date_nanos, created_seconds, created_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, path, doc.Type, doc.Amount, doc.Category,
		doc.Date.Seconds, doc.Date.Nanos, created.Seconds, created.Nanos)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	s.logger.DebugContext(ctx, "Document deleted", log.FieldDocPath, path, log.FieldTxID, id)
	s.changed(ctx, path)
	return nil
}

// Refresh re-reads path and pushes the result to its subscribers. It is
// called for changes made by other processes.
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

// changed feeds a committed write to subscribers and other processes. It
// outlives the caller's context: the row is already stored.
func (s *Store) changed(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), changeTimeout)
	defer cancel()

	_ = s.Refresh(ctx, path)

	s.mu.RLock()
	p := s.publisher
	s.mu.RUnlock()
	if p == nil {
		return
	}
	if err := p.PublishChange(ctx, path); err != nil {
		s.logger.WarnContext(ctx, "Failed to announce change",
			log.FieldDocPath, path,
			log.FieldError, err)
	}
}

func (s *Store) query(ctx context.Context, path string) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, amount, category, date_seconds, date_nanos, created_seconds, created_nanos
		FROM documents
		WHERE collection = ?
		ORDER BY created_seconds, created_nanos, id`, path)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var d docstore.Document
		if err := rows.Scan(&d.ID, &d.Type, &d.Amount, &d.Category,
			&d.Date.Seconds, &d.Date.Nanos, &d.CreatedAt.Seconds, &d.CreatedAt.Nanos); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", path, err)
	}
	return docs, nil
}

// Close stops every subscription and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
