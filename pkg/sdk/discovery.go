package sdk

import (
	"context"
	"log/slog"

	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/modules"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// StandaloneActor is recorded for writes made through an embedded authority.
const StandaloneActor = "standalone"

// Config selects between a remote and an embedded authority.
type Config struct {
	Options
	// DataDir persists the embedded authority as JSON files. Empty keeps
	// it in memory.
	DataDir string
}

// New returns a remote Client when an address is configured and an
// embedded authority otherwise, so the caller does not care which it got.
func New(cfg Config) (Gateway, error) {
	// 1. A configured authority address always wins
	if cfg.Addr != "" {
		return NewClient(cfg.Options), nil
	}

	// 2. Fallback to Embedded Mode
	// This uses the same engine the server uses, but inside the app process.
	backend := engine.BackendMemory
	if cfg.DataDir != "" {
		backend = engine.BackendJSON
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	records, err := engine.Open(backend, cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	actor := cfg.Actor
	if actor == "" {
		actor = StandaloneActor
	}
	return NewEmbedded(core.New(records, core.Options{}, logger), actor), nil
}

// Embedded serves the Gateway interface from an in-process authority.
type Embedded struct {
	authority *core.Authority
	caller    modules.Caller
}

// NewEmbedded wraps a, attributing every write to actor.
func NewEmbedded(a *core.Authority, actor string) *Embedded {
	return &Embedded{authority: a, caller: modules.Caller{Actor: actor}}
}

func (e *Embedded) Ping(ctx context.Context) error { return ctx.Err() }

func (e *Embedded) Register(ctx context.Context, req schema.RegisterRequest) (schema.ServiceRegistration, error) {
	return e.authority.Registry.Register(ctx, req)
}

func (e *Embedded) Heartbeat(ctx context.Context, service string) (bool, error) {
	return e.authority.Registry.Heartbeat(ctx, service)
}

func (e *Embedded) Module(ctx context.Context, name string) (schema.ModuleState, error) {
	return e.authority.Modules.Get(ctx, name)
}

func (e *Embedded) Modules(ctx context.Context) ([]schema.ModuleState, error) {
	return e.authority.Modules.List(ctx)
}

func (e *Embedded) PutConfig(ctx context.Context, name string, patch schema.ConfigPatch) (schema.ModuleState, error) {
	return e.authority.Modules.PutConfig(ctx, name, patch, e.caller)
}

func (e *Embedded) Lock(ctx context.Context, name, reason string) (schema.ModuleState, error) {
	return e.authority.Modules.SetLock(ctx, name, schema.LockRequest{Locked: true, Reason: reason}, e.caller)
}

func (e *Embedded) Unlock(ctx context.Context, name string) (schema.ModuleState, error) {
	return e.authority.Modules.SetLock(ctx, name, schema.LockRequest{}, e.caller)
}

func (e *Embedded) Status(ctx context.Context) (schema.Status, error) {
	return e.authority.Status(ctx, true)
}

func (e *Embedded) Audit(ctx context.Context, limit int) ([]schema.AuditEntry, error) {
	return e.authority.Audit.List(ctx, limit)
}

func (e *Embedded) Close() error {
	return e.authority.Close()
}
