// Package diff computes the structural delta between two snapshots of the
// same subject.
//
// Compute is pure: entities are matched by id, so reordering in the backing
// system never shows up as a change, and the same inputs always produce the
// same output.
package diff

import (
	"maps"
	"slices"
	"strings"

	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// Compute returns the delta from prev to cur. Created and updated entities
// follow cur's order; deleted entities follow prev's order.
func Compute(prev, cur schema.Snapshot) schema.Diff {
	return schema.Diff{
		SubjectID:      cur.SubjectID,
		FromSnapshotID: prev.ID,
		ToSnapshotID:   cur.ID,
		TakenAt:        cur.TakenAt,
		Collections: schema.Collections{
			Roles:    compare(prev.Entities.Roles, cur.Entities.Roles, roleID, RolesEqual),
			Channels: compare(prev.Entities.Channels, cur.Entities.Channels, channelID, ChannelsEqual),
		},
	}
}

func compare[T any](prev, cur []T, id func(T) string, equal func(a, b T) bool) schema.CollectionDiff[T] {
	out := schema.CollectionDiff[T]{
		Created: []T{},
		Deleted: []T{},
		Updated: []schema.Change[T]{},
	}

	before := make(map[string]T, len(prev))
	for _, e := range prev {
		before[id(e)] = e
	}
	after := make(map[string]struct{}, len(cur))

	for _, e := range cur {
		key := id(e)
		after[key] = struct{}{}
		old, ok := before[key]
		switch {
		case !ok:
			out.Created = append(out.Created, e)
		case !equal(old, e):
			out.Updated = append(out.Updated, schema.Change[T]{Before: old, After: e})
		}
	}
	for _, e := range prev {
		if _, ok := after[id(e)]; !ok {
			out.Deleted = append(out.Deleted, e)
		}
	}
	return out
}

func roleID(r schema.Role) string       { return r.ID }
func channelID(c schema.Channel) string { return c.ID }

// RolesEqual compares every tracked role field.
func RolesEqual(a, b schema.Role) bool {
	return a.Name == b.Name &&
		a.Color == b.Color &&
		a.Hoist == b.Hoist &&
		a.Mentionable == b.Mentionable &&
		a.Managed == b.Managed &&
		a.Position == b.Position &&
		a.Permissions == b.Permissions &&
		maps.Equal(a.Tags, b.Tags)
}

// ChannelsEqual compares every tracked channel field. Permission overwrites
// are compared as an unordered set.
func ChannelsEqual(a, b schema.Channel) bool {
	return a.Name == b.Name &&
		a.Type == b.Type &&
		a.ParentID == b.ParentID &&
		a.Position == b.Position &&
		a.NSFW == b.NSFW &&
		ptrEqual(a.Topic, b.Topic) &&
		ptrEqual(a.RateLimitPerUser, b.RateLimitPerUser) &&
		ptrEqual(a.Bitrate, b.Bitrate) &&
		ptrEqual(a.UserLimit, b.UserLimit) &&
		ptrEqual(a.RTCRegion, b.RTCRegion) &&
		a.Flags == b.Flags &&
		slices.Equal(SortOverwrites(a.PermissionOverwrites), SortOverwrites(b.PermissionOverwrites))
}

// SortOverwrites returns a copy of ows ordered by (id, type).
func SortOverwrites(ows []schema.Overwrite) []schema.Overwrite {
	out := slices.Clone(ows)
	slices.SortFunc(out, func(x, y schema.Overwrite) int {
		if c := strings.Compare(x.ID, y.ID); c != 0 {
			return c
		}
		return x.Type - y.Type
	})
	return out
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
