package snapshot

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/codec"
	"github.com/ismaelgtc-ship-it/relay/internal/diff"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// Capturer turns a Source into normalized Snapshots.
type Capturer struct {
	source Source
	now    func() time.Time
}

// NewCapturer creates a Capturer reading from source.
func NewCapturer(source Source) *Capturer {
	return &Capturer{source: source, now: time.Now}
}

// Capture lists every collection of subjectID and returns one Snapshot.
// Roles are ordered by descending position and channels by ascending
// position, ties broken by id, so the backing system's own ordering never
// leaks into the result.
func (c *Capturer) Capture(ctx context.Context, subjectID string) (schema.Snapshot, error) {
	subject, err := c.source.Subject(ctx, subjectID)
	if err != nil {
		return schema.Snapshot{}, upstream(err, "subject")
	}
	roles, err := c.source.Roles(ctx, subjectID)
	if err != nil {
		return schema.Snapshot{}, upstream(err, "roles")
	}
	channels, err := c.source.Channels(ctx, subjectID)
	if err != nil {
		return schema.Snapshot{}, upstream(err, "channels")
	}

	snap := schema.Snapshot{
		ID:            uuid.Must(uuid.NewV7()).String(),
		SubjectID:     subjectID,
		TakenAt:       c.now().UTC(),
		SchemaVersion: schema.SnapshotSchemaVersion,
		Subject:       normalizeSubject(subjectID, subject),
		Entities: schema.Entities{
			Roles:    normalizeRoles(roles),
			Channels: normalizeChannels(channels),
		},
	}

	hash, err := ContentHash(snap)
	if err != nil {
		return schema.Snapshot{}, apperr.Wrap(apperr.Internal, err, "hash snapshot")
	}
	snap.Hash = hash
	return snap, nil
}

// ContentHash hashes the captured content of snap, excluding its id and
// capture time, so two captures of an unchanged subject hash equal.
func ContentHash(snap schema.Snapshot) (string, error) {
	return codec.Hash(struct {
		SchemaVersion int             `cbor:"schema_version"`
		Subject       schema.Subject  `cbor:"subject"`
		Entities      schema.Entities `cbor:"entities"`
	}{snap.SchemaVersion, snap.Subject, snap.Entities})
}

func normalizeSubject(id string, s RawSubject) schema.Subject {
	features := slices.Clone(s.Features)
	if features == nil {
		features = []string{}
	}
	slices.Sort(features)
	return schema.Subject{
		ID:          id,
		Name:        s.Name,
		Description: s.Description,
		OwnerID:     s.OwnerID,
		Features:    features,
	}
}

func normalizeRoles(raw []RawRole) []schema.Role {
	out := make([]schema.Role, 0, len(raw))
	for _, r := range raw {
		out = append(out, schema.Role{
			ID:          r.ID,
			Name:        r.Name,
			Color:       r.Color,
			Hoist:       r.Hoist,
			Mentionable: r.Mentionable,
			Managed:     r.Managed,
			Position:    r.Position,
			Permissions: r.Permissions.String(),
			Tags:        r.Tags,
		})
	}
	slices.SortFunc(out, func(a, b schema.Role) int {
		if c := cmp.Compare(b.Position, a.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func normalizeChannels(raw []RawChannel) []schema.Channel {
	out := make([]schema.Channel, 0, len(raw))
	for _, c := range raw {
		ows := make([]schema.Overwrite, 0, len(c.PermissionOverwrites))
		for _, o := range c.PermissionOverwrites {
			ows = append(ows, schema.Overwrite{
				ID:    o.ID,
				Type:  o.Type,
				Allow: o.Allow.String(),
				Deny:  o.Deny.String(),
			})
		}
		ch := schema.Channel{
			ID:                   c.ID,
			Name:                 c.Name,
			Type:                 c.Type,
			ParentID:             c.ParentID,
			Position:             c.Position,
			NSFW:                 c.NSFW,
			Topic:                c.Topic,
			RateLimitPerUser:     c.RateLimitPerUser,
			Bitrate:              c.Bitrate,
			UserLimit:            c.UserLimit,
			RTCRegion:            c.RTCRegion,
			PermissionOverwrites: diff.SortOverwrites(ows),
		}
		if c.Flags != nil {
			ch.Flags = c.Flags.String()
		}
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b schema.Channel) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// upstream marks an untyped source failure as UPSTREAM_UNAVAILABLE.
func upstream(err error, what string) error {
	if apperr.CodeOf(err) == apperr.Internal {
		return apperr.Wrap(apperr.UpstreamUnavailable, err, "list %s", what)
	}
	return apperr.FromContext(err, "list "+what)
}
