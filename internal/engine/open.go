package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open builds the store selected by backend. dataDir holds the JSON files
// or the SQLite database file (overseer.db).
func Open(backend, dataDir string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemStore(nil, nil), nil
	case BackendJSON:
		p, err := NewPersistence(dataDir, logger)
		if err != nil {
			return nil, err
		}
		data, err := p.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load data: %w", err)
		}
		return NewMemStore(data, p), nil
	case BackendSQLite:
		return OpenSQLite(filepath.Join(dataDir, "overseer.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
