package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/codec"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// DefaultStoreTimeout bounds each store call.
const DefaultStoreTimeout = 5 * time.Second

// Store persists snapshots and diffs. Keys are "<subject>/<takenAt ns>/<id>"
// so a prefix scan of one subject is ordered by capture time.
type Store struct {
	records engine.Store
	timeout time.Duration
}

// NewStore creates a Store. A zero timeout selects DefaultStoreTimeout.
func NewStore(records engine.Store, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Store{records: records, timeout: timeout}
}

func snapshotKey(s schema.Snapshot) string {
	return fmt.Sprintf("%s/%020d/%s", s.SubjectID, s.TakenAt.UnixNano(), s.ID)
}

func diffKey(d schema.Diff) string {
	return fmt.Sprintf("%s/%020d/%s..%s", d.SubjectID, d.TakenAt.UnixNano(), d.FromSnapshotID, d.ToSnapshotID)
}

func subjectPrefix(subjectID string) (string, error) {
	if subjectID == "" || strings.Contains(subjectID, "/") {
		return "", apperr.New(apperr.BadRequest, "invalid subject id %q", subjectID)
	}
	return subjectID + "/", nil
}

// Save persists a new snapshot. Snapshots are never updated.
func (s *Store) Save(ctx context.Context, snap schema.Snapshot) error {
	if _, err := subjectPrefix(snap.SubjectID); err != nil {
		return err
	}
	return s.put(ctx, engine.Snapshots, snapshotKey(snap), snap)
}

// SaveDiff persists a diff keyed by the snapshot pair it was computed from.
func (s *Store) SaveDiff(ctx context.Context, d schema.Diff) error {
	if _, err := subjectPrefix(d.SubjectID); err != nil {
		return err
	}
	return s.put(ctx, engine.Diffs, diffKey(d), d)
}

// HasDiff reports whether the diff from prev to cur has been saved.
func (s *Store) HasDiff(ctx context.Context, prev, cur schema.Snapshot) (bool, error) {
	key := diffKey(schema.Diff{
		SubjectID:      cur.SubjectID,
		FromSnapshotID: prev.ID,
		ToSnapshotID:   cur.ID,
		TakenAt:        cur.TakenAt,
	})
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.records.Get(ctx, engine.Diffs, key)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return false, nil
	case err != nil:
		return false, apperr.FromStore(err, "snapshot store")
	}
	return true, nil
}

// Latest returns the most recent snapshot of subjectID.
func (s *Store) Latest(ctx context.Context, subjectID string) (schema.Snapshot, error) {
	var snap schema.Snapshot
	err := s.last(ctx, engine.Snapshots, subjectID, "", &snap)
	return snap, err
}

// Previous returns the snapshot of the same subject captured immediately
// before snap.
func (s *Store) Previous(ctx context.Context, snap schema.Snapshot) (schema.Snapshot, error) {
	var prev schema.Snapshot
	err := s.last(ctx, engine.Snapshots, snap.SubjectID, snapshotKey(snap), &prev)
	return prev, err
}

// LatestDiff returns the most recent diff of subjectID.
func (s *Store) LatestDiff(ctx context.Context, subjectID string) (schema.Diff, error) {
	var d schema.Diff
	err := s.last(ctx, engine.Diffs, subjectID, "", &d)
	return d, err
}

// History returns up to limit snapshots of subjectID, newest first.
func (s *Store) History(ctx context.Context, subjectID string, limit int) ([]schema.Snapshot, error) {
	prefix, err := subjectPrefix(subjectID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	recs, err := s.records.List(ctx, engine.Snapshots, engine.Query{Prefix: prefix, Limit: limit, Descending: true})
	if err != nil {
		return nil, apperr.FromStore(err, "snapshot store")
	}
	out := make([]schema.Snapshot, 0, len(recs))
	for _, rec := range recs {
		var snap schema.Snapshot
		if err := codec.Unpack(rec.Value, &snap); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "decode snapshot %s", rec.Key)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, collection, key string, v any) error {
	data, err := codec.Pack(v)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode %s", collection)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.records.Put(ctx, collection, key, data); err != nil {
		return apperr.FromStore(err, "snapshot store")
	}
	return nil
}

func (s *Store) last(ctx context.Context, collection, subjectID, before string, out any) error {
	prefix, err := subjectPrefix(subjectID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := engine.Last(ctx, s.records, collection, prefix, before)
	if errors.Is(err, engine.ErrNotFound) {
		return apperr.New(apperr.NotFound, "no %s for subject %q", strings.TrimPrefix(collection, "guild_"), subjectID)
	}
	if err != nil {
		return apperr.FromStore(err, "snapshot store")
	}
	if err := codec.Unpack(rec.Value, out); err != nil {
		return apperr.Wrap(apperr.Internal, err, "decode %s", rec.Key)
	}
	return nil
}
