package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/diff"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// DefaultCaptureTimeout bounds one capture against the source.
const DefaultCaptureTimeout = 30 * time.Second

// Result is the outcome of one pipeline run. Diff is nil for the first
// snapshot of a subject.
type Result struct {
	Snapshot schema.Snapshot `json:"snapshot"`
	Diff     *schema.Diff    `json:"diff,omitempty"`
}

// Pipeline runs capture, persist and diff for one subject.
type Pipeline struct {
	Capturer       *Capturer
	Store          *Store
	CaptureTimeout time.Duration
	Logger         *slog.Logger
}

// Run captures subjectID, saves the snapshot and, when an earlier snapshot
// exists, computes and saves the diff against it. A failed capture writes
// nothing, so the next run diffs against the last successful snapshot. A
// diff whose write failed after its snapshot was saved is backfilled by the
// next run.
func (p *Pipeline) Run(ctx context.Context, subjectID string) (Result, error) {
	snap, err := p.Capture(ctx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if err := p.Store.Save(ctx, snap); err != nil {
		return Result{}, err
	}

	res := Result{Snapshot: snap}
	prev, err := p.Store.Previous(ctx, snap)
	switch {
	case apperr.Is(err, apperr.NotFound):
		p.logger().Info("first snapshot", "subject", subjectID, "snapshot", snap.ID)
		return res, nil
	case err != nil:
		return res, err
	}
	if err := p.backfill(ctx, prev); err != nil {
		return res, err
	}

	d := diff.Compute(prev, snap)
	if err := p.Store.SaveDiff(ctx, d); err != nil {
		return res, err
	}
	res.Diff = &d
	p.logger().Info("snapshot diffed",
		"subject", subjectID,
		"snapshot", snap.ID,
		"roles_changed", len(d.Collections.Roles.Created)+len(d.Collections.Roles.Deleted)+len(d.Collections.Roles.Updated),
		"channels_changed", len(d.Collections.Channels.Created)+len(d.Collections.Channels.Deleted)+len(d.Collections.Channels.Updated),
	)
	return res, nil
}

// backfill walks back from snap and saves every missing diff until it
// reaches a pair that already has one or the first snapshot.
func (p *Pipeline) backfill(ctx context.Context, snap schema.Snapshot) error {
	for {
		prev, err := p.Store.Previous(ctx, snap)
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		saved, err := p.Store.HasDiff(ctx, prev, snap)
		if err != nil || saved {
			return err
		}
		if err := p.Store.SaveDiff(ctx, diff.Compute(prev, snap)); err != nil {
			return err
		}
		p.logger().Warn("backfilled missing diff", "subject", snap.SubjectID, "from", prev.ID, "to", snap.ID)
		snap = prev
	}
}

// Capture takes a snapshot bounded by the capture timeout without
// persisting it.
func (p *Pipeline) Capture(ctx context.Context, subjectID string) (schema.Snapshot, error) {
	timeout := p.CaptureTimeout
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Capturer.Capture(cctx, subjectID)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}
