package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismaelgtc-ship-it/relay/internal/core"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/internal/snapshot"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const (
	dashboardKey = "dashboard-key-0123456789"
	internalKey  = "internal-key-0123456789"
	snapshotKey  = "snapshot-key-0123456789"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *core.Authority, *Auth) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := core.New(engine.NewMemStore(nil, nil), core.Options{}, nil)
	t.Cleanup(func() { a.Close() })
	auth := NewAuth(Keys{Dashboard: dashboardKey, Internal: internalKey, Snapshot: snapshotKey})
	h := &Handler{Core: a, Service: "overseer", Version: "test"}
	return NewOverseerRouter(h, auth), a, auth
}

func do(r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func dashboard() map[string]string { return map[string]string{HeaderAPIKey: dashboardKey} }
func internal() map[string]string  { return map[string]string{HeaderInternalKey: internalKey} }

func decode[T any](t *testing.T, w *httptest.ResponseRecorder, field string) T {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(body[field], &out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	w := do(r, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "overseer", decode[string](t, w, "service"))
	assert.True(t, decode[bool](t, w, "ok"))
}

func TestAuthTiers(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"no key", http.MethodGet, "/api/core/modules", nil, http.StatusUnauthorized},
		{"dashboard key", http.MethodGet, "/api/core/modules", dashboard(), http.StatusOK},
		{"bearer token", http.MethodGet, "/api/core/modules", map[string]string{"Authorization": "Bearer " + dashboardKey}, http.StatusOK},
		{"internal key on dashboard route", http.MethodGet, "/api/core/modules", internal(), http.StatusUnauthorized},
		{"internal key on shared route", http.MethodGet, "/api/core/modules/mirror", internal(), http.StatusOK},
		{"dashboard key on internal route", http.MethodPost, "/internal/heartbeat", dashboard(), http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/api/core/status", map[string]string{HeaderAPIKey: "nope"}, http.StatusUnauthorized},
		{"public status", http.MethodGet, "/api/core/public-status", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, nil, tt.headers)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestDisabledTierRejectsEverything(t *testing.T) {
	r, _, auth := setupTestRouter(t)
	auth.SetKeys(Keys{Dashboard: dashboardKey})

	w := do(r, http.MethodGet, "/internal/modules/mirror", nil, map[string]string{HeaderInternalKey: ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = do(r, http.MethodGet, "/internal/modules/mirror", nil, internal())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestModuleLifecycle(t *testing.T) {
	r, a, _ := setupTestRouter(t)

	w := do(r, http.MethodGet, "/api/core/modules", nil, dashboard())
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]schema.ModuleState](t, w, "modules")
	require.Len(t, list, len(schema.Manifest))
	assert.Equal(t, "calendar", list[0].Name)

	patch := map[string]any{"config": map[string]any{
		"groups": []any{map[string]any{"name": "g1", "channels": map[string]any{"10": "en", "20": "es"}}},
	}}
	w = do(r, http.MethodPut, "/api/core/modules/mirror/config", patch, dashboard())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/core/modules/mirror/lock", map[string]string{"reason": "migration"}, dashboard())
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[schema.ModuleState](t, w, "module")
	assert.True(t, st.Locked)
	assert.Equal(t, "migration", st.LockReason)
	assert.Equal(t, "dashboard", st.LockedBy)
	assert.True(t, st.Active)
	assert.NotEmpty(t, st.Config["groups"])

	w = do(r, http.MethodPut, "/api/core/modules/mirror/config", map[string]any{"active": false}, dashboard())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "LOCKED", decode[string](t, w, "error"))

	w = do(r, http.MethodPut, "/api/core/modules/mirror/config?force=true", map[string]any{"active": false}, dashboard())
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[schema.ModuleState](t, w, "module").Active)

	w = do(r, http.MethodPost, "/api/core/modules/mirror/unlock", nil, dashboard())
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[schema.ModuleState](t, w, "module")
	assert.False(t, st.Locked)
	assert.Empty(t, st.LockReason)

	a.Audit.Wait()
	w = do(r, http.MethodGet, "/api/core/audit?limit=2", nil, dashboard())
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]schema.AuditEntry](t, w, "entries")
	require.Len(t, entries, 2)
	assert.Equal(t, schema.ActionUnlock, entries[0].Action)
	assert.Equal(t, true, entries[1].Metadata["override"])
}

func TestPutConfigValidationDetail(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	patch := map[string]any{"config": map[string]any{
		"groups": []any{map[string]any{"name": "g1", "channels": map[string]any{"10": "english"}}},
	}}
	w := do(r, http.MethodPut, "/api/core/modules/mirror/config", patch, dashboard())
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", decode[string](t, w, "error"))
	detail := decode[map[string]any](t, w, "detail")
	assert.Equal(t, "INVALID_LANGUAGE", detail["rule"])
	assert.Equal(t, "10", detail["channelId"])
}

func TestUnknownModule(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	w := do(r, http.MethodGet, "/api/core/modules/nope", nil, dashboard())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[string](t, w, "error"))
	assert.False(t, decode[bool](t, w, "ok"))
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := do(r, http.MethodPost, "/internal/heartbeat", map[string]string{"service": "relay"}, internal())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_REGISTERED", decode[string](t, w, "error"))

	w = do(r, http.MethodPost, "/internal/register", map[string]any{"service": "relay", "version": "1.0.0"}, internal())
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/internal/heartbeat", map[string]string{"service": "relay"}, internal())
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/internal/register", map[string]any{"version": "1.0.0"}, internal())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/core/public-status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	services := decode[[]schema.ServiceStatus](t, w, "services")
	require.Len(t, services, 1)
	assert.True(t, services[0].IsUp)
	assert.Equal(t, "1.0.0", services[0].Version)
}

const fixture = `
subject: {name: Test}
roles:
  - {id: "1", name: everyone, position: 0, permissions: 0}
channels:
  - {id: "10", name: general, position: 0}
`

func setupSnapshotRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.yaml"), []byte(fixture), 0644))

	p := &snapshot.Pipeline{
		Capturer: snapshot.NewCapturer(&snapshot.FileSource{Dir: dir}),
		Store:    snapshot.NewStore(engine.NewMemStore(nil, nil), 0),
	}
	h := &SnapshotHandler{
		Pipeline:  p,
		Scheduler: snapshot.NewScheduler(p, []string{"g1"}, 0, 0, nil),
		Service:   "relay",
	}
	return NewSnapshotRouter(h, NewAuth(Keys{Snapshot: snapshotKey})), dir
}

func TestSnapshotRoutes(t *testing.T) {
	r, dir := setupSnapshotRouter(t)
	secret := map[string]string{HeaderRelaySecret: snapshotKey}

	w := do(r, http.MethodGet, "/internal/snapshot", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodGet, "/internal/snapshot", nil, secret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/internal/snapshot?fresh=true", nil, secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "g1", decode[schema.Snapshot](t, w, "snapshot").SubjectID)

	// fresh captures are not persisted
	w = do(r, http.MethodGet, "/internal/snapshot", nil, secret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/internal/snapshot/take", nil, secret)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[schema.Snapshot](t, w, "snapshot")

	renamed := `
subject: {name: Test}
roles:
  - {id: "1", name: everyone, position: 0, permissions: 0}
channels:
  - {id: "10", name: chat, position: 0}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.yaml"), []byte(renamed), 0644))

	w = do(r, http.MethodPost, "/internal/snapshot/take?subject=g1", nil, secret)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/internal/diff/latest", nil, secret)
	require.Equal(t, http.StatusOK, w.Code)
	d := decode[schema.Diff](t, w, "diff")
	assert.Equal(t, first.ID, d.FromSnapshotID)
	require.Len(t, d.Collections.Channels.Updated, 1)
	assert.Equal(t, "general", d.Collections.Channels.Updated[0].Before.Name)
	assert.Equal(t, "chat", d.Collections.Channels.Updated[0].After.Name)
	assert.Empty(t, d.Collections.Roles.Updated)

	w = do(r, http.MethodGet, "/internal/snapshots?limit=5", nil, secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]schema.Snapshot](t, w, "snapshots"), 2)

	w = do(r, http.MethodGet, "/internal/snapshot?subject=other", nil, secret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	w := do(r, http.MethodOptions, "/api/core/modules", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), HeaderAPIKey)
}
