package sdk

import (
	"context"
	"encoding/json"

	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// --- Functional Interfaces (Interface Segregation) ---

// ServiceRegistrar announces a dependent service to the authority.
type ServiceRegistrar interface {
	Register(ctx context.Context, req schema.RegisterRequest) (schema.ServiceRegistration, error)
	// Heartbeat returns false, without error, when the service must
	// register again.
	Heartbeat(ctx context.Context, service string) (bool, error)
}

// ModuleReader reads module state.
type ModuleReader interface {
	Module(ctx context.Context, name string) (schema.ModuleState, error)
	Modules(ctx context.Context) ([]schema.ModuleState, error)
}

// ModuleWriter mutates module state.
type ModuleWriter interface {
	PutConfig(ctx context.Context, name string, patch schema.ConfigPatch) (schema.ModuleState, error)
	Lock(ctx context.Context, name, reason string) (schema.ModuleState, error)
	Unlock(ctx context.Context, name string) (schema.ModuleState, error)
}

// StatusReader exposes the operator views.
type StatusReader interface {
	Status(ctx context.Context) (schema.Status, error)
	Audit(ctx context.Context, limit int) ([]schema.AuditEntry, error)
}

// --- Composite Interfaces ---

// Gateway is everything a client can do against the authority, whether
// remote or embedded.
type Gateway interface {
	ServiceRegistrar
	ModuleReader
	ModuleWriter
	StatusReader

	Ping(ctx context.Context) error
	Close() error
}

// DecodeConfig converts a module's free-form config into T.
func DecodeConfig[T any](m schema.ModuleState) (T, error) {
	var target T
	if v, ok := any(m.Config).(T); ok {
		return v, nil
	}
	data, err := json.Marshal(m.Config)
	if err != nil {
		return target, err
	}
	err = json.Unmarshal(data, &target)
	return target, err
}
