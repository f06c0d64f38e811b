package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/store"
	"github.com/1sec-project/warden/internal/store/memory"
	"github.com/1sec-project/warden/internal/store/postgres"
	"github.com/1sec-project/warden/internal/store/sqlite"
)

// OpenStore opens the configured storage driver.
func OpenStore(ctx context.Context, cfg StorageConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(cfg.Path, logger)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, logger)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
