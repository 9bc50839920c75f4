// Package agent runs the dependent-service side of the authority protocol:
// registration, heartbeats and a local cache of module state.
//
// Gateway failures never stop the agent. They are logged and the next tick
// tries again.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
	"github.com/ismaelgtc-ship-it/relay/pkg/sdk"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRefreshInterval   = 10 * time.Second

	callTimeout = 10 * time.Second
)

// Gateway is the part of the authority the agent talks to.
type Gateway interface {
	sdk.ServiceRegistrar
	sdk.ModuleReader
}

// Options describes the service and its polling cadence.
type Options struct {
	Service           string
	Version           string
	Meta              map[string]any
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	// Modules limits the refresh to these names. Empty tracks every module.
	Modules []string
}

// Agent keeps a service registered and its module cache fresh.
type Agent struct {
	gw     Gateway
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	states  map[string]schema.ModuleState
	refresh time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(gw Gateway, opts Options, logger *slog.Logger) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{gw: gw, opts: opts, logger: logger, states: make(map[string]schema.ModuleState)}
}

// Start registers, loads module state once and launches the heartbeat and
// refresh loops. It is a no-op when already running.
func (a *Agent) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.register(ctx)
	a.Refresh(ctx)

	a.wg.Add(2)
	go a.every(ctx, a.opts.HeartbeatInterval, a.heartbeat)
	go a.every(ctx, a.opts.RefreshInterval, a.Refresh)
}

// Stop cancels the loops and waits for them to exit.
func (a *Agent) Stop() {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
}

func (a *Agent) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	defer a.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *Agent) register(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	meta := a.opts.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := a.gw.Register(cctx, schema.RegisterRequest{Service: a.opts.Service, Version: a.opts.Version, Meta: meta})
	if err != nil {
		a.logger.Warn("register failed", "service", a.opts.Service, "error", err)
		return false
	}
	a.logger.Info("registered with overseer", "service", a.opts.Service, "version", a.opts.Version)
	return true
}

func (a *Agent) heartbeat(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	known, err := a.gw.Heartbeat(cctx, a.opts.Service)
	switch {
	case err != nil:
		a.logger.Warn("heartbeat failed", "service", a.opts.Service, "error", err)
	case !known:
		a.logger.Info("overseer forgot this service, registering again", "service", a.opts.Service)
		a.register(ctx)
	}
}

// Refresh reloads module state from the gateway. On failure the previous
// cache is kept.
func (a *Agent) Refresh(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var fetched []schema.ModuleState
	if len(a.opts.Modules) == 0 {
		list, err := a.gw.Modules(cctx)
		if err != nil {
			a.logger.Warn("module refresh failed", "error", err)
			return
		}
		fetched = list
	} else {
		for _, name := range a.opts.Modules {
			st, err := a.gw.Module(cctx, name)
			if err != nil {
				a.logger.Warn("module refresh failed", "module", name, "error", err)
				continue
			}
			fetched = append(fetched, st)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, st := range fetched {
		prev, seen := a.states[st.Name]
		if seen && prev.Runnable() != st.Runnable() {
			a.logger.Info("module runnable changed",
				"module", st.Name,
				"runnable", st.Runnable(),
				"active", st.Active,
				"locked", st.Locked,
				"reason", st.LockReason,
			)
		}
		a.states[st.Name] = st
	}
	if len(fetched) > 0 {
		a.refresh = time.Now()
	}
}

// Module returns the cached state of name.
func (a *Agent) Module(name string) (schema.ModuleState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[name]
	return st, ok
}

// Runnable reports whether module behaviour may execute: the module must be
// active and unlocked. A module whose state was never fetched is not
// runnable.
func (a *Agent) Runnable(name string) bool {
	st, ok := a.Module(name)
	return ok && st.Runnable()
}

// LastRefresh returns when module state was last loaded successfully.
func (a *Agent) LastRefresh() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refresh
}
