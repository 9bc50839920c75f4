package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Persistence handles the disk I/O for the MemStore: one JSON file per
// collection, replaced atomically on every save.
type Persistence struct {
	DataDir string
	Logger  *slog.Logger

	mu      sync.Mutex // Protects concurrent writes to the filesystem
	written map[string]uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, logger *slog.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Persistence{DataDir: dir, Logger: logger, written: make(map[string]uint64)}, nil
}

// SaveCollection writes a collection to <collection>.json atomically.
// Saves carry the store's write sequence; a save older than the last one
// written is dropped so a slow background write cannot roll the file back.
func (p *Persistence) SaveCollection(collection string, seq uint64, data map[string][]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq != 0 && seq <= p.written[collection] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, collection+".json")
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		p.Logger.Error("persist collection failed", "collection", collection, "error", err)
		return err
	}
	// Rename replaces the file in one step: readers see the old or the new
	// content, never a partial write.
	if err := os.Rename(tempPath, filePath); err != nil {
		p.Logger.Error("persist collection failed", "collection", collection, "error", err)
		return err
	}
	p.written[collection] = seq
	return nil
}

// LoadAll returns every known collection found in the data directory.
func (p *Persistence) LoadAll() (map[string]map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]map[string][]byte)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		collection := strings.TrimSuffix(file.Name(), ".json")
		if !KnownCollection(collection) {
			continue
		}

		content, err := os.ReadFile(filepath.Join(p.DataDir, file.Name()))
		if err != nil {
			p.Logger.Warn("could not read collection file", "file", file.Name(), "error", err)
			continue
		}

		var records map[string][]byte
		if err := json.Unmarshal(content, &records); err != nil {
			p.Logger.Warn("could not unmarshal collection file", "file", file.Name(), "error", err)
			continue
		}
		allData[collection] = records
	}
	return allData, nil
}
