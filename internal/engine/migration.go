package engine

import (
	"context"
	"fmt"
)

// Migrate copies every record of every collection from src into dst.
// This works for:
// - Memory/JSON -> SQLite (the upgrade)
// - SQLite -> Memory/JSON (backup/offline)
// Existing keys in dst are overwritten; keys only in dst are kept.
func Migrate(ctx context.Context, src Reader, dst Writer) (int, error) {
	copied := 0
	for _, collection := range Collections {
		records, err := src.List(ctx, collection, Query{})
		if err != nil {
			return copied, fmt.Errorf("list %s: %w", collection, err)
		}
		for _, rec := range records {
			if err := dst.Put(ctx, collection, rec.Key, rec.Value); err != nil {
				return copied, fmt.Errorf("put %s/%s: %w", collection, rec.Key, err)
			}
			copied++
		}
	}
	return copied, nil
}
