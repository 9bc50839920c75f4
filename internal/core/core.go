// Package core assembles the authority: module state, service registry and
// audit log over one record store. The HTTP and TCP boundaries and the SDK's
// embedded mode all drive the same Authority.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/audit"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/modules"
	"github.com/ismaelgtc-ship-it/relay/internal/registry"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

// Options tunes the components. Zero values select each package's default.
type Options struct {
	OpTimeout      time.Duration
	LivenessWindow time.Duration
}

// Authority owns the module store, registry and audit log.
type Authority struct {
	Modules  *modules.Store
	Registry *registry.Registry
	Audit    *audit.Log

	records engine.Store
}

// New wires the components over records.
func New(records engine.Store, opts Options, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	log := audit.New(records, logger.With("component", "audit"))
	return &Authority{
		Modules:  modules.New(records, log, logger.With("component", "modules"), opts.OpTimeout),
		Registry: registry.New(records, log, logger.With("component", "registry"), opts.LivenessWindow, opts.OpTimeout),
		Audit:    log,
		records:  records,
	}
}

// Status lists services with liveness. Modules are included only when
// withModules is set; the unauthenticated view omits them.
func (a *Authority) Status(ctx context.Context, withModules bool) (schema.Status, error) {
	services, err := a.Registry.List(ctx)
	if err != nil {
		return schema.Status{}, err
	}
	st := schema.Status{Services: services}
	if withModules {
		if st.Modules, err = a.Modules.List(ctx); err != nil {
			return schema.Status{}, err
		}
	}
	return st, nil
}

// Close flushes pending audit appends and closes the record store.
func (a *Authority) Close() error {
	a.Audit.Wait()
	return a.records.Close()
}
