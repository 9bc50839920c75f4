// Package audit records every mutating action taken against the authority.
// Entries are insert-only; ordering by timestamp is the only guarantee.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/codec"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000

	appendTimeout = 5 * time.Second
)

// Log appends audit entries to the audit_log collection.
type Log struct {
	store  engine.Store
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New returns a Log writing to store.
func New(store engine.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{store: store, logger: logger, now: time.Now}
}

// Append builds an entry and writes it in the background. A failed append is
// logged and never fails the mutation that produced it.
func (l *Log) Append(actor, action, target string, metadata map[string]any) schema.AuditEntry {
	entry := schema.AuditEntry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp: l.now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Metadata:  metadata,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		defer cancel()
		if err := l.Record(ctx, entry); err != nil {
			l.logger.Error("audit append failed", "action", action, "target", target, "error", err)
		}
	}()
	return entry
}

// Record writes one entry synchronously.
func (l *Log) Record(ctx context.Context, entry schema.AuditEntry) error {
	data, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := l.store.Put(ctx, engine.AuditLog, entryKey(entry), data); err != nil {
		return apperr.FromContext(err, "audit log")
	}
	return nil
}

// Wait blocks until every background append has finished.
func (l *Log) Wait() {
	l.wg.Wait()
}

// List returns up to limit entries, newest first. A non-positive limit
// selects DefaultListLimit; larger values are capped at MaxListLimit.
func (l *Log) List(ctx context.Context, limit int) ([]schema.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	recs, err := l.store.List(ctx, engine.AuditLog, engine.Query{Limit: limit, Descending: true})
	if err != nil {
		return nil, apperr.FromContext(err, "audit log")
	}

	out := make([]schema.AuditEntry, 0, len(recs))
	for _, rec := range recs {
		var e schema.AuditEntry
		if err := codec.Unmarshal(rec.Value, &e); err != nil {
			l.logger.Warn("skipping unreadable audit entry", "key", rec.Key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// entryKey orders entries by timestamp; the id keeps keys unique.
func entryKey(e schema.AuditEntry) string {
	return fmt.Sprintf("%020d/%s", e.Timestamp.UnixNano(), e.ID)
}
