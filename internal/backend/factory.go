package backend

import (
	"context"
	"fmt"

	"fintrack/internal/amqp"
	"fintrack/internal/categories"
	"fintrack/internal/docstore/memory"
	"fintrack/internal/log"
	"fintrack/internal/storage/postgres"
	"fintrack/internal/storage/sqlite"
)

// Factory creates backends based on configuration
type Factory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Factory{logger: logger.WithComponent(log.ComponentStorage)}
}

// Create opens the backend described by cfg. On error nothing is left open.
func (f *Factory) Create(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Runners: map[string]RunFunc{},
		Checks:  map[string]CheckFunc{},
	}
	var err error
	switch cfg.Type {
	case SQLiteBackend:
		err = f.createSQLite(res, cfg)
	case PostgresBackend:
		err = f.createPostgres(ctx, res, cfg)
	default:
		f.createMemory(res)
	}
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	return res, nil
}

func (f *Factory) createMemory(res *Result) {
	docs := memory.New()
	res.Docs = docs
	res.Categories = categories.NewMemoryRepository()
	res.addCleanup(docs.Close)

	f.logger.Info("Initialized memory backend", log.FieldBackend, MemoryBackend.String())
}

func (f *Factory) createSQLite(res *Result, cfg Config) error {
	store, err := sqlite.Open(cfg.SQLiteDBPath, f.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	res.Docs = store
	res.Categories = store.Categories()
	res.addCleanup(store.Close)
	res.Checks["database"] = func(ctx context.Context) error {
		return store.DB().PingContext(ctx)
	}

	// AMQP is optional; without it only this process sees its own writes live.
	var notifier *amqp.Notifier
	if cfg.AMQPURL != "" {
		notifier, err = amqp.NewNotifier(cfg.AMQPURL, cfg.AMQPExchange, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP notifier, continuing without fan-out",
				log.FieldError, err)
		} else {
			store.SetPublisher(notifier)
			res.addCleanup(notifier.Close)
			res.Runners["amqp-consumer"] = func(ctx context.Context) error {
				return notifier.ConsumeChanges(ctx, store.Refresh)
			}
			f.logger.Info("Initialized AMQP notifier", "exchange", cfg.AMQPExchange)
		}
	}

	f.logger.Info("Initialized SQLite backend",
		log.FieldBackend, SQLiteBackend.String(),
		"db_path", cfg.SQLiteDBPath,
		"amqp_enabled", notifier != nil)
	return nil
}

func (f *Factory) createPostgres(ctx context.Context, res *Result, cfg Config) error {
	store, err := postgres.Open(ctx, cfg.DatabaseURL, f.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Postgres store: %w", err)
	}
	res.Docs = store
	res.Categories = store.Categories()
	res.addCleanup(store.Close)
	res.Checks["database"] = func(ctx context.Context) error {
		return store.Pool().Ping(ctx)
	}
	res.Runners["pg-listener"] = store.Listen

	f.logger.Info("Initialized Postgres backend", log.FieldBackend, PostgresBackend.String())
	return nil
}
