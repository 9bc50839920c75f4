package schema

import "time"

// Change pairs the previous and current version of an updated entity.
type Change[T any] struct {
	Before T `json:"before" cbor:"before"`
	After  T `json:"after" cbor:"after"`
}

// CollectionDiff is the delta of one entity collection. Unchanged entities
// are never listed.
type CollectionDiff[T any] struct {
	Created []T         `json:"created" cbor:"created"`
	Deleted []T         `json:"deleted" cbor:"deleted"`
	Updated []Change[T] `json:"updated" cbor:"updated"`
}

// Empty reports whether the collection saw no change.
func (d CollectionDiff[T]) Empty() bool {
	return len(d.Created) == 0 && len(d.Deleted) == 0 && len(d.Updated) == 0
}

// Collections groups the per-collection deltas.
type Collections struct {
	Roles    CollectionDiff[Role]    `json:"roles" cbor:"roles"`
	Channels CollectionDiff[Channel] `json:"channels" cbor:"channels"`
}

// Diff is the structural delta between two consecutive snapshots of one subject.
type Diff struct {
	SubjectID      string      `json:"subjectId" cbor:"subject_id"`
	FromSnapshotID string      `json:"fromSnapshotId" cbor:"from_snapshot_id"`
	ToSnapshotID   string      `json:"toSnapshotId" cbor:"to_snapshot_id"`
	TakenAt        time.Time   `json:"takenAt" cbor:"taken_at"`
	Collections    Collections `json:"collections" cbor:"collections"`
}

// Empty reports whether nothing changed between the two snapshots.
func (d Diff) Empty() bool {
	return d.Collections.Roles.Empty() && d.Collections.Channels.Empty()
}
