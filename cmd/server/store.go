package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orchestrator/internal/platform/config"
	"orchestrator/internal/subscription/store"
	badgerstore "orchestrator/internal/subscription/store/badger"
	"orchestrator/internal/subscription/store/postgres"
)

// openStore opens the backend named by cfg.Store. The returned func releases it.
func openStore(ctx context.Context, cfg config.Server, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info("using postgres store")
		return postgres.New(db), func() { _ = db.Close() }, nil

	case config.StoreBadger:
		db, err := badgerstore.Open(badgerstore.Config{Path: cfg.BadgerPath, SyncWrites: true, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using badger store", "path", cfg.BadgerPath)
		return badgerstore.New(db), func() {
			if err := db.Close(); err != nil {
				log.Error("failed to close badger", "error", err)
			}
		}, nil

	case config.StoreMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewInMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
