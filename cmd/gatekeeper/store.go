package main

import (
	"context"
	"fmt"

	"github.com/xraph/gatekeeper/store"
	"github.com/xraph/gatekeeper/store/memory"
	"github.com/xraph/gatekeeper/store/postgres"
	"github.com/xraph/gatekeeper/store/sqlite"
)

// openStore connects the backend named by cfg.Driver.
func openStore(ctx context.Context, cfg *config) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown driver %q (want memory, sqlite or postgres)", cfg.Driver)
	}
}
