package liveframed

import (
	"context"

	"github.com/liveframe/liveframe/pkg/config"
	"github.com/liveframe/liveframe/pkg/queryengine"
	"github.com/liveframe/liveframe/pkg/session"
	"github.com/liveframe/liveframe/pkg/storage"
	"github.com/liveframe/liveframe/pkg/storage/memstore"
	"github.com/liveframe/liveframe/pkg/storage/pgstore"
)

// Engine holds a fully wired instance: the storage backend, the session
// manager and query executor built on it, and the HTTP/WebSocket Server in
// front of them. Both cmd/liveframed and cmd/liveframectl's "serve"
// subcommand run a Bootstrap result; only their flag/config sourcing and
// signal handling differ.
type Engine struct {
	Config   *config.Config
	Storage  storage.Storage
	Sessions *session.Manager
	Executor *queryengine.Executor
	Server   *Server
}

// Bootstrap opens storage (selecting memstore or pgstore per
// cfg.StorageDSN), prepares the schema, and wires the session manager,
// query executor and Server against it. The returned Engine.Storage is
// already instrument-wrapped (pkg/storage.Instrument).
func Bootstrap(ctx context.Context, cfg *config.Config) (*Engine, error) {
	backend, err := newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(ctx, cfg.Registry); err != nil {
		return nil, err
	}
	backend = storage.Instrument(backend)

	guards := queryengine.NewRouter()
	sessions := session.NewManager(backend, cfg.Registry, guards, nil, cfg.WriteTimeout)
	executor := queryengine.NewExecutor(backend, cfg.Registry, guards)
	srv := NewServer(cfg, sessions, executor, cfg.Registry)

	return &Engine{
		Config:   cfg,
		Storage:  backend,
		Sessions: sessions,
		Executor: executor,
		Server:   srv,
	}, nil
}

// newStorage selects the storage.Storage backend named by cfg.StorageDSN:
// "memory" for the in-process memstore, anything else treated as a signal
// to use pgstore (whose own connection parameters come from DB_*
// environment variables, not the DSN string itself — see
// pgstore.LoadConfigFromEnv).
func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.StorageDSN == "memory" {
		return memstore.New(), nil
	}

	dbCfg, err := pgstore.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := pgstore.RunMigrations(dbCfg); err != nil {
		return nil, err
	}
	pool, err := pgstore.Connect(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	return pgstore.New(pool), nil
}
