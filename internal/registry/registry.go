// Package registry tracks dependent services and their liveness.
//
// Liveness is never stored: isUp is recomputed from lastHeartbeatAt on
// every read.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/audit"
	"github.com/ismaelgtc-ship-it/relay/internal/codec"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const (
	// DefaultLivenessWindow is the largest heartbeat gap a service may have
	// and still be reported up.
	DefaultLivenessWindow = 90 * time.Second
	DefaultVersion        = "0.0.0"
	DefaultTimeout        = 5 * time.Second
)

// errUnregistered aborts a heartbeat update for an unknown service.
var errUnregistered = errors.New("service not registered")

// Registry stores service registrations in the service_registry collection.
type Registry struct {
	records engine.Store
	audit   *audit.Log
	logger  *slog.Logger
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// New creates a Registry. Zero durations select the defaults. log may be
// nil, in which case registrations are not audited.
func New(records engine.Store, log *audit.Log, logger *slog.Logger, window, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{records: records, audit: log, logger: logger, window: window, timeout: timeout, now: time.Now}
}

// Window returns the liveness window.
func (r *Registry) Window() time.Duration { return r.window }

// Register upserts a registration. firstSeenAt is set on creation only;
// lastHeartbeatAt advances to now and never moves backwards.
func (r *Registry) Register(ctx context.Context, req schema.RegisterRequest) (schema.ServiceRegistration, error) {
	name := strings.TrimSpace(req.Service)
	if name == "" {
		return schema.ServiceRegistration{}, apperr.New(apperr.BadRequest, "service name is required")
	}
	version := req.Version
	if version == "" {
		version = DefaultVersion
	}
	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now().UTC()
	var reg schema.ServiceRegistration
	created := false
	_, err := r.records.Update(ctx, engine.ServiceRegistry, name, func(cur []byte, exists bool) ([]byte, error) {
		reg = schema.ServiceRegistration{}
		if exists {
			if err := codec.Unmarshal(cur, &reg); err != nil {
				return nil, err
			}
		} else {
			reg.FirstSeenAt = now
			reg.LastHeartbeatAt = now
			created = true
		}
		reg.Service = name
		reg.Version = version
		reg.Meta = meta
		if now.After(reg.LastHeartbeatAt) {
			reg.LastHeartbeatAt = now
		}
		return codec.Marshal(reg)
	})
	if err != nil {
		return schema.ServiceRegistration{}, apperr.FromStore(err, "service registry")
	}

	if r.audit != nil {
		r.audit.Append(name, schema.ActionRegister, name, map[string]any{"version": version, "created": created})
	}
	r.logger.Info("service registered", "service", name, "version", version, "created", created)
	return reg, nil
}

// Heartbeat advances lastHeartbeatAt of a registered service. It reports
// false, with no error, when the service is unknown so the caller knows to
// register again.
func (r *Registry) Heartbeat(ctx context.Context, service string) (bool, error) {
	name := strings.TrimSpace(service)
	if name == "" {
		return false, apperr.New(apperr.BadRequest, "service name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now().UTC()
	_, err := r.records.Update(ctx, engine.ServiceRegistry, name, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, errUnregistered
		}
		var reg schema.ServiceRegistration
		if err := codec.Unmarshal(cur, &reg); err != nil {
			return nil, err
		}
		if now.After(reg.LastHeartbeatAt) {
			reg.LastHeartbeatAt = now
		}
		return codec.Marshal(reg)
	})
	if errors.Is(err, errUnregistered) {
		return false, nil
	}
	if err != nil {
		return false, apperr.FromStore(err, "service registry")
	}
	return true, nil
}

// List returns every registration ordered by service name with isUp
// computed against the current time.
func (r *Registry) List(ctx context.Context) ([]schema.ServiceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	recs, err := r.records.List(ctx, engine.ServiceRegistry, engine.Query{})
	if err != nil {
		return nil, apperr.FromStore(err, "service registry")
	}

	now := r.now()
	out := make([]schema.ServiceStatus, 0, len(recs))
	for _, rec := range recs {
		var reg schema.ServiceRegistration
		if err := codec.Unmarshal(rec.Value, &reg); err != nil {
			r.logger.Warn("skipping unreadable registration", "service", rec.Key, "error", err)
			continue
		}
		out = append(out, schema.ServiceStatus{ServiceRegistration: reg, IsUp: r.isUp(now, reg.LastHeartbeatAt)})
	}
	return out, nil
}

// isUp is inclusive at the window boundary.
func (r *Registry) isUp(now, last time.Time) bool {
	return now.Sub(last) <= r.window
}
