package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Open returns the store selected by driver. The postgres store is migrated
// before it is returned.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "memory":
		logger.Warn("using in-memory job store; jobs are lost on restart")
		return NewMemory(), nil
	case "postgres", "":
		st, err := NewPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
