package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/modules"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
	"github.com/ismaelgtc-ship-it/relay/pkg/sdk"
)

// flakyGateway fails every call while down and forgets registrations on
// demand.
type flakyGateway struct {
	*sdk.Embedded

	mu        sync.Mutex
	down      bool
	forget    bool
	registers int
}

func (f *flakyGateway) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyGateway) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return apperr.New(apperr.UpstreamUnavailable, "overseer down")
	}
	return nil
}

func (f *flakyGateway) Register(ctx context.Context, req schema.RegisterRequest) (schema.ServiceRegistration, error) {
	if err := f.fail(); err != nil {
		return schema.ServiceRegistration{}, err
	}
	f.mu.Lock()
	f.registers++
	f.mu.Unlock()
	return f.Embedded.Register(ctx, req)
}

func (f *flakyGateway) Heartbeat(ctx context.Context, service string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	f.mu.Lock()
	forget := f.forget
	f.forget = false
	f.mu.Unlock()
	if forget {
		return false, nil
	}
	return f.Embedded.Heartbeat(ctx, service)
}

func (f *flakyGateway) Modules(ctx context.Context) ([]schema.ModuleState, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Embedded.Modules(ctx)
}

func (f *flakyGateway) Module(ctx context.Context, name string) (schema.ModuleState, error) {
	if err := f.fail(); err != nil {
		return schema.ModuleState{}, err
	}
	return f.Embedded.Module(ctx, name)
}

func (f *flakyGateway) registerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers
}

func newGateway(t *testing.T) (*flakyGateway, *core.Authority) {
	t.Helper()
	a := core.New(engine.NewMemStore(nil, nil), core.Options{}, nil)
	t.Cleanup(func() { a.Close() })
	return &flakyGateway{Embedded: sdk.NewEmbedded(a, "test")}, a
}

func TestStartRegistersAndLoadsModules(t *testing.T) {
	gw, a := newGateway(t)
	ag := New(gw, Options{Service: "relay", Version: "1.0.0", HeartbeatInterval: time.Hour, RefreshInterval: time.Hour}, nil)
	ag.Start(context.Background())
	defer ag.Stop()

	assert.Equal(t, 1, gw.registerCount())
	for _, name := range schema.ModuleNames() {
		assert.True(t, ag.Runnable(name), name)
	}

	services, err := a.Registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "1.0.0", services[0].Version)
	assert.NotNil(t, services[0].Meta)
}

func TestRunnableFollowsLockAndActive(t *testing.T) {
	gw, a := newGateway(t)
	ctx := context.Background()
	ag := New(gw, Options{Service: "relay", Modules: []string{"mirror", "ocr"}}, nil)
	ag.Refresh(ctx)
	require.True(t, ag.Runnable("mirror"))
	assert.False(t, ag.Runnable("calendar"), "untracked module was never fetched")

	_, err := a.Modules.SetLock(ctx, "mirror", schema.LockRequest{Locked: true, Reason: "ops"}, modules.Caller{Actor: "dashboard"})
	require.NoError(t, err)
	inactive := false
	_, err = a.Modules.PutConfig(ctx, "ocr", schema.ConfigPatch{Active: &inactive}, modules.Caller{Actor: "dashboard"})
	require.NoError(t, err)

	ag.Refresh(ctx)
	assert.False(t, ag.Runnable("mirror"))
	assert.False(t, ag.Runnable("ocr"))
	st, ok := ag.Module("mirror")
	require.True(t, ok)
	assert.Equal(t, "ops", st.LockReason)
}

func TestGatewayFailuresAreSwallowed(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()
	ag := New(gw, Options{Service: "relay"}, nil)

	gw.setDown(true)
	ag.Start(ctx)
	defer ag.Stop()
	assert.False(t, ag.Runnable("mirror"))
	assert.True(t, ag.LastRefresh().IsZero())

	gw.setDown(false)
	ag.Refresh(ctx)
	assert.True(t, ag.Runnable("mirror"))

	gw.setDown(true)
	ag.Refresh(ctx)
	assert.True(t, ag.Runnable("mirror"), "cache survives a failed refresh")
}

func TestHeartbeatReregisters(t *testing.T) {
	gw, _ := newGateway(t)
	ctx := context.Background()
	ag := New(gw, Options{Service: "relay"}, nil)
	require.True(t, ag.register(ctx))

	ag.heartbeat(ctx)
	assert.Equal(t, 1, gw.registerCount())

	gw.mu.Lock()
	gw.forget = true
	gw.mu.Unlock()
	ag.heartbeat(ctx)
	assert.Equal(t, 2, gw.registerCount())
}

func TestLoopsTickAndStop(t *testing.T) {
	gw, _ := newGateway(t)
	ag := New(gw, Options{Service: "relay", HeartbeatInterval: 10 * time.Millisecond, RefreshInterval: 10 * time.Millisecond}, nil)
	ag.Start(context.Background())
	ag.Start(context.Background())

	first := ag.LastRefresh()
	require.Eventually(t, func() bool { return ag.LastRefresh().After(first) }, time.Second, 5*time.Millisecond)

	ag.Stop()
	ag.Stop()
	stopped := ag.LastRefresh()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, ag.LastRefresh())
}
