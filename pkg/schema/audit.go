package schema

import "time"

// AuditEntry is one immutable record of a mutating action.
type AuditEntry struct {
	ID        string         `json:"id" cbor:"id"`
	Timestamp time.Time      `json:"timestamp" cbor:"timestamp"`
	Actor     string         `json:"actor" cbor:"actor"`
	Action    string         `json:"action" cbor:"action"`
	Target    string         `json:"target" cbor:"target"`
	Metadata  map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// Audit actions written by the authority.
const (
	ActionSetConfig = "SET_CONFIG"
	ActionLock      = "LOCK"
	ActionUnlock    = "UNLOCK"
	ActionRegister  = "REGISTER"
)
