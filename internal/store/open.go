package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/config"
)

// Open creates the store named by the config driver and runs migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var s Store
	switch cfg.Driver {
	case "sqlite", "":
		sq, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s = sq
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "store: connect postgres")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, eris.Wrap(err, "store: ping postgres")
		}
		s = NewPostgres(pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
