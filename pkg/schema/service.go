package schema

import "time"

// ServiceRegistration is the stored record of a registered service instance.
type ServiceRegistration struct {
	Service         string         `json:"service" cbor:"service"`
	Version         string         `json:"version" cbor:"version"`
	Meta            map[string]any `json:"meta" cbor:"meta"`
	FirstSeenAt     time.Time      `json:"firstSeenAt" cbor:"first_seen_at"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt" cbor:"last_heartbeat_at"`
}

// ServiceStatus is a registration annotated with liveness computed at read time.
type ServiceStatus struct {
	ServiceRegistration
	IsUp bool `json:"isUp"`
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Service string         `json:"service"`
	Version string         `json:"version,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Status is the authority's operator view: every service with its liveness
// and every manifest module.
type Status struct {
	Services []ServiceStatus `json:"services"`
	Modules  []ModuleState   `json:"modules,omitempty"`
}
