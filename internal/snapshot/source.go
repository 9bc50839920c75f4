// Package snapshot captures the structure of an external hierarchical
// system, stores the captures and diffs consecutive ones on a schedule.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source lists the raw entities of a subject. Implementations must return
// complete collections; pagination is their concern, never the caller's.
type Source interface {
	Subject(ctx context.Context, subjectID string) (RawSubject, error)
	Roles(ctx context.Context, subjectID string) ([]RawRole, error)
	Channels(ctx context.Context, subjectID string) ([]RawChannel, error)
}

// Bitmask is an arbitrary-width permission bit field. It decodes from a
// JSON or YAML number or decimal string.
type Bitmask struct {
	v big.Int
}

// NewBitmask parses a decimal string.
func NewBitmask(s string) (Bitmask, error) {
	var b Bitmask
	if err := b.set(s); err != nil {
		return Bitmask{}, err
	}
	return b, nil
}

// String renders the mask in decimal.
func (b *Bitmask) String() string {
	if b == nil {
		return "0"
	}
	return b.v.String()
}

func (b *Bitmask) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		b.v.SetInt64(0)
		return nil
	}
	if _, ok := b.v.SetString(s, 10); !ok || b.v.Sign() < 0 {
		return fmt.Errorf("invalid bitmask %q", s)
	}
	return nil
}

func (b *Bitmask) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	return b.set(s)
}

func (b *Bitmask) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("bitmask must be a scalar, line %d", node.Line)
	}
	return b.set(node.Value)
}

func (b Bitmask) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.v.String())
}

// RawSubject is the descriptive record of a subject.
type RawSubject struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	OwnerID     string   `json:"owner_id" yaml:"owner_id"`
	Features    []string `json:"features" yaml:"features"`
}

// RawRole is a role as the source reports it.
type RawRole struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Color       int               `json:"color" yaml:"color"`
	Hoist       bool              `json:"hoist" yaml:"hoist"`
	Mentionable bool              `json:"mentionable" yaml:"mentionable"`
	Managed     bool              `json:"managed" yaml:"managed"`
	Position    int               `json:"position" yaml:"position"`
	Permissions Bitmask           `json:"permissions" yaml:"permissions"`
	Tags        map[string]string `json:"tags" yaml:"tags"`
}

// RawChannel is a channel as the source reports it. Position is the raw,
// guild-wide structural position.
type RawChannel struct {
	ID                   string         `json:"id" yaml:"id"`
	Name                 string         `json:"name" yaml:"name"`
	Type                 int            `json:"type" yaml:"type"`
	ParentID             string         `json:"parent_id" yaml:"parent_id"`
	Position             int            `json:"position" yaml:"position"`
	NSFW                 bool           `json:"nsfw" yaml:"nsfw"`
	Topic                *string        `json:"topic" yaml:"topic"`
	RateLimitPerUser     *int           `json:"rate_limit_per_user" yaml:"rate_limit_per_user"`
	Bitrate              *int           `json:"bitrate" yaml:"bitrate"`
	UserLimit            *int           `json:"user_limit" yaml:"user_limit"`
	RTCRegion            *string        `json:"rtc_region" yaml:"rtc_region"`
	Flags                *Bitmask       `json:"flags" yaml:"flags"`
	PermissionOverwrites []RawOverwrite `json:"permission_overwrites" yaml:"permission_overwrites"`
}

// RawOverwrite is one permission overwrite of a channel.
type RawOverwrite struct {
	ID    string  `json:"id" yaml:"id"`
	Type  int     `json:"type" yaml:"type"`
	Allow Bitmask `json:"allow" yaml:"allow"`
	Deny  Bitmask `json:"deny" yaml:"deny"`
}
