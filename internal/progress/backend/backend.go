// Package backend opens the progress store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/config"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/bolt"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/jsonfile"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/postgres"
)

// Open returns the store for cfg.Progress.Backend. The postgres backend
// applies pending migrations before returning and is fronted by a terminal
// record cache when cfg.Progress.CacheSize is positive.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (progress.Store, error) {
	var (
		store progress.Store
		err   error
	)
	switch cfg.Progress.Backend {
	case config.ProgressBackendJSON, "":
		store, err = jsonfile.Open(cfg.Progress.File, logger)
	case config.ProgressBackendBolt:
		store, err = bolt.Open(cfg.Progress.BoltPath, logger)
	case config.ProgressBackendPostgres:
		var pg *postgres.Store
		pg, err = postgres.Open(ctx, postgresConfig(cfg.DB), logger)
		if err != nil {
			return nil, err
		}
		store = pg
		if cfg.Progress.CacheSize > 0 {
			store, err = progress.NewCached(pg, cfg.Progress.CacheSize)
		}
	default:
		return nil, fmt.Errorf("unknown progress backend %q", cfg.Progress.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// OpenReader opens the store for inspection while another process may be
// running against it. Bolt holds an exclusive file lock during a run, so the
// read-only open fails after bolt.OpenTimeout in that case.
func OpenReader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (progress.Store, error) {
	if cfg.Progress.Backend == config.ProgressBackendBolt {
		store, err := bolt.OpenReadOnly(cfg.Progress.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return Open(ctx, cfg, logger)
}

func postgresConfig(db config.DBConfig) postgres.Config {
	return postgres.Config{
		URL:                db.URL,
		MaxOpenConns:       db.MaxOpenConns,
		MaxIdleConns:       db.MaxIdleConns,
		ConnMaxLifetime:    db.ConnMaxLifetime,
		StatementTimeoutMS: db.StatementTimeoutMS,
	}
}
