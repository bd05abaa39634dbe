package store

import (
	"context"
	"log/slog"
	"sync"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// FactoryConfig selects and locates the backend.
type FactoryConfig struct {
	Backend     string
	SessionsDir string
	DBPath      string
}

// Factory picks a backend once per process. The sqlite backend must pass a
// ListSessions probe before it is accepted; on any failure the factory
// falls back to the file backend and never revisits the choice.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger

	once  sync.Once
	store Store
	err   error
}

func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Get returns the process-wide store instance. Repeated calls return the
// same value; construction and backend probing happen once.
func (f *Factory) Get(ctx context.Context) (Store, error) {
	f.once.Do(func() {
		f.store, f.err = f.build(ctx)
	})
	return f.store, f.err
}

func (f *Factory) build(ctx context.Context) (Store, error) {
	if f.cfg.Backend == BackendSQLite {
		sqlStore, err := f.probeSQL(ctx)
		if err == nil {
			return sqlStore, nil
		}
		f.logger.Warn("sqlite backend unavailable, falling back to file store",
			"db_path", f.cfg.DBPath, "error", err)
	}
	return NewFileStore(f.cfg.SessionsDir)
}

func (f *Factory) probeSQL(ctx context.Context) (*SQLStore, error) {
	sqlStore, err := OpenSQL(f.cfg.DBPath, f.logger)
	if err != nil {
		return nil, err
	}
	if _, err := sqlStore.ListSessions(ctx); err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	if err := sqlStore.ValidateSchema(false); err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	return sqlStore, nil
}
