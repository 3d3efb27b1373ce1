// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenStateStore creates an instrumented StateStore for the backend.
// path is the sqlite file or the badger directory; memory ignores it.
func OpenStateStore(backend, path string) (StateStore, error) {
	if backend == "" {
		backend = "sqlite"
	}

	var (
		s   StateStore
		err error
	)
	switch backend {
	case "memory":
		s = NewMemoryStore()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err = NewSqliteStore(path)
	case "badger":
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err = OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: sqlite, badger, memory)", backend)
	}
	if err != nil {
		return nil, err
	}
	return NewInstrumentedStore(s, backend), nil
}
