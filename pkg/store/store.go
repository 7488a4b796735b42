// Package store persists chronicles and the tables they depend on.
//
// Three backends implement the same Store contract: SQLite in WAL mode
// (the default; several processes may commit to one file), BadgerDB (an
// embedded LSM key-value store for large imports, one process at a time),
// and an in-memory map for tests and throwaway sessions.
package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the SQLite file or the Badger directory. Ignored by memory.
	Path string
	// SyncWrites makes Badger fsync every write. SQLite always runs
	// synchronous=NORMAL under WAL.
	SyncWrites bool
	Logger     *slog.Logger
}

// Open opens the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	switch opts.Backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, opts.Path, log)
	case BackendBadger:
		cfg := DefaultBadgerConfig()
		cfg.Path = opts.Path
		cfg.SyncWrites = opts.SyncWrites
		cfg.Logger = log
		return OpenBadger(cfg)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
}
