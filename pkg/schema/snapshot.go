package schema

import "time"

// SnapshotSchemaVersion is bumped whenever the captured field set changes.
const SnapshotSchemaVersion = 1

// Snapshot is one full capture of an external hierarchical system.
// Permission bitmasks are decimal strings so that values wider than 53 bits
// survive JSON round trips.
type Snapshot struct {
	ID            string    `json:"id" cbor:"id"`
	SubjectID     string    `json:"subjectId" cbor:"subject_id"`
	TakenAt       time.Time `json:"takenAt" cbor:"taken_at"`
	SchemaVersion int       `json:"schemaVersion" cbor:"schema_version"`
	Hash          string    `json:"hash" cbor:"hash"`
	Subject       Subject   `json:"subject" cbor:"subject"`
	Entities      Entities  `json:"entities" cbor:"entities"`
}

// Subject carries descriptive metadata of the captured system.
type Subject struct {
	ID          string   `json:"id" cbor:"id"`
	Name        string   `json:"name" cbor:"name"`
	Description string   `json:"description,omitempty" cbor:"description,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty" cbor:"owner_id,omitempty"`
	Features    []string `json:"features" cbor:"features"`
}

// Entities holds every captured collection, each deterministically ordered.
type Entities struct {
	Roles    []Role    `json:"roles" cbor:"roles"`
	Channels []Channel `json:"channels" cbor:"channels"`
}

// Role is a rank-ordered permission holder.
type Role struct {
	ID          string            `json:"id" cbor:"id"`
	Name        string            `json:"name" cbor:"name"`
	Color       int               `json:"color" cbor:"color"`
	Hoist       bool              `json:"hoist" cbor:"hoist"`
	Mentionable bool              `json:"mentionable" cbor:"mentionable"`
	Managed     bool              `json:"managed" cbor:"managed"`
	Position    int               `json:"position" cbor:"position"`
	Permissions string            `json:"permissions" cbor:"permissions"`
	Tags        map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

// Channel is a positioned node of the hierarchy.
type Channel struct {
	ID                   string      `json:"id" cbor:"id"`
	Name                 string      `json:"name" cbor:"name"`
	Type                 int         `json:"type" cbor:"type"`
	ParentID             string      `json:"parentId,omitempty" cbor:"parent_id,omitempty"`
	Position             int         `json:"position" cbor:"position"`
	NSFW                 bool        `json:"nsfw" cbor:"nsfw"`
	Topic                *string     `json:"topic,omitempty" cbor:"topic,omitempty"`
	RateLimitPerUser     *int        `json:"rateLimitPerUser,omitempty" cbor:"rate_limit_per_user,omitempty"`
	Bitrate              *int        `json:"bitrate,omitempty" cbor:"bitrate,omitempty"`
	UserLimit            *int        `json:"userLimit,omitempty" cbor:"user_limit,omitempty"`
	RTCRegion            *string     `json:"rtcRegion,omitempty" cbor:"rtc_region,omitempty"`
	Flags                string      `json:"flags,omitempty" cbor:"flags,omitempty"`
	PermissionOverwrites []Overwrite `json:"permissionOverwrites" cbor:"permission_overwrites"`
}

// Overwrite grants or revokes permission bits for one role or member.
type Overwrite struct {
	ID    string `json:"id" cbor:"id"`
	Type  int    `json:"type" cbor:"type"`
	Allow string `json:"allow" cbor:"allow"`
	Deny  string `json:"deny" cbor:"deny"`
}
