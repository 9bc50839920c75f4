package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ismaelgtc-ship-it/relay/internal/apperr"
	"github.com/ismaelgtc-ship-it/relay/internal/engine"
	"github.com/ismaelgtc-ship-it/relay/pkg/schema"
)

const fixtureYAML = `
subject:
  name: Test Guild
  owner_id: "42"
  features: [COMMUNITY, BANNER]
roles:
  - id: "1"
    name: everyone
    position: 0
    permissions: 1071698660929
  - id: "2"
    name: admin
    position: 5
    permissions: "18446744073709551615"
  - id: "3"
    name: mod
    position: 5
    permissions: 8
channels:
  - id: "20"
    name: voice
    type: 2
    position: 3
    bitrate: 64000
  - id: "10"
    name: general
    position: 1
    topic: hello
    permission_overwrites:
      - {id: "2", type: 0, allow: 1024, deny: 0}
      - {id: "1", type: 0, allow: 0, deny: "2048"}
`

func writeFixture(t *testing.T, dir, subject, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, subject+".yaml"), []byte(body), 0644))
}

func TestCaptureFromFile(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)

	c := NewCapturer(&FileSource{Dir: dir})
	snap, err := c.Capture(context.Background(), "g1")
	require.NoError(t, err)

	assert.Equal(t, "g1", snap.SubjectID)
	assert.Equal(t, schema.SnapshotSchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "Test Guild", snap.Subject.Name)
	assert.Equal(t, []string{"BANNER", "COMMUNITY"}, snap.Subject.Features)
	assert.NotEmpty(t, snap.ID)
	assert.NotEmpty(t, snap.Hash)

	// Descending position, ties by id.
	require.Len(t, snap.Entities.Roles, 3)
	assert.Equal(t, "2", snap.Entities.Roles[0].ID)
	assert.Equal(t, "3", snap.Entities.Roles[1].ID)
	assert.Equal(t, "1", snap.Entities.Roles[2].ID)
	assert.Equal(t, "18446744073709551615", snap.Entities.Roles[0].Permissions, "wide masks keep full precision")
	assert.Equal(t, "1071698660929", snap.Entities.Roles[2].Permissions)

	// Ascending position.
	require.Len(t, snap.Entities.Channels, 2)
	general := snap.Entities.Channels[0]
	assert.Equal(t, "10", general.ID)
	require.NotNil(t, general.Topic)
	assert.Equal(t, "hello", *general.Topic)
	require.Len(t, general.PermissionOverwrites, 2)
	assert.Equal(t, "1", general.PermissionOverwrites[0].ID, "overwrites sorted by id")
	assert.Equal(t, "2048", general.PermissionOverwrites[0].Deny)
	assert.Equal(t, 64000, *snap.Entities.Channels[1].Bitrate)

	again, err := c.Capture(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, snap.Hash, again.Hash, "unchanged content hashes equal")
	assert.NotEqual(t, snap.ID, again.ID)
}

func TestFileSourceMissingSubject(t *testing.T) {
	c := NewCapturer(&FileSource{Dir: t.TempDir()})
	_, err := c.Capture(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = c.Capture(context.Background(), "../etc")
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

func TestBitmaskDecoding(t *testing.T) {
	var r RawRole
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","permissions":"36028797018963968"}`), &r))
	assert.Equal(t, "36028797018963968", r.Permissions.String())

	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","permissions":8}`), &r))
	assert.Equal(t, "8", r.Permissions.String())

	assert.Error(t, json.Unmarshal([]byte(`{"permissions":"-1"}`), &r))

	_, err := NewBitmask("abc")
	assert.Error(t, err)
}

func TestHTTPSourcePaginates(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/subjects/g1":
			json.NewEncoder(w).Encode(map[string]any{"id": "g1", "name": "Guild"})
		case "/subjects/g1/roles":
			atomic.AddInt32(&pages, 1)
			after, _ := strconv.Atoi(r.URL.Query().Get("after"))
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			var page []map[string]any
			for i := after + 1; i <= 5 && len(page) < limit; i++ {
				page = append(page, map[string]any{"id": strconv.Itoa(i), "position": i, "permissions": "1"})
			}
			json.NewEncoder(w).Encode(page)
		case "/subjects/g1/channels":
			w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "secret")
	src.PageSize = 2

	snap, err := NewCapturer(src).Capture(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, snap.Entities.Roles, 5)
	assert.Equal(t, int32(3), atomic.LoadInt32(&pages))
	assert.Equal(t, "5", snap.Entities.Roles[0].ID)

	_, err = NewCapturer(src).Capture(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestHTTPSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewCapturer(NewHTTPSource(srv.URL, "")).Capture(context.Background(), "g1")
	assert.True(t, apperr.Is(err, apperr.UpstreamUnavailable))
}

func newPipeline(t *testing.T, src Source) *Pipeline {
	t.Helper()
	return &Pipeline{
		Capturer: NewCapturer(src),
		Store:    NewStore(engine.NewMemStore(nil, nil), 0),
	}
}

func TestPipelineDiffsConsecutiveSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	p := newPipeline(t, &FileSource{Dir: dir})
	ctx := context.Background()

	first, err := p.Run(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, first.Diff)

	_, err = p.Store.LatestDiff(ctx, "g1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	writeFixture(t, dir, "g1", strings.Replace(fixtureYAML, "name: general", "name: chat", 1))
	second, err := p.Run(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, second.Diff)
	assert.Equal(t, first.Snapshot.ID, second.Diff.FromSnapshotID)
	assert.Equal(t, second.Snapshot.ID, second.Diff.ToSnapshotID)
	require.Len(t, second.Diff.Collections.Channels.Updated, 1)
	assert.Equal(t, "general", second.Diff.Collections.Channels.Updated[0].Before.Name)
	assert.Equal(t, "chat", second.Diff.Collections.Channels.Updated[0].After.Name)
	assert.Empty(t, second.Diff.Collections.Channels.Created)
	assert.Empty(t, second.Diff.Collections.Channels.Deleted)

	latest, err := p.Store.Latest(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, second.Snapshot.ID, latest.ID)
	assert.Equal(t, "18446744073709551615", latest.Entities.Roles[0].Permissions)

	stored, err := p.Store.LatestDiff(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, second.Diff.ToSnapshotID, stored.ToSnapshotID)

	hist, err := p.Store.History(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, second.Snapshot.ID, hist[0].ID)
}

func TestFailedCaptureKeepsLastGoodSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	p := newPipeline(t, &FileSource{Dir: dir})
	ctx := context.Background()

	first, err := p.Run(ctx, "g1")
	require.NoError(t, err)

	writeFixture(t, dir, "g1", "roles: [[[")
	_, err = p.Run(ctx, "g1")
	require.Error(t, err)

	latest, err := p.Store.Latest(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.ID, latest.ID)

	writeFixture(t, dir, "g1", fixtureYAML)
	third, err := p.Run(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, third.Diff)
	assert.Equal(t, first.Snapshot.ID, third.Diff.FromSnapshotID)
	assert.True(t, third.Diff.Empty())
}

// failingDiffs fails the first n writes to the diff collection.
type failingDiffs struct {
	engine.Store
	remaining atomic.Int32
}

func (f *failingDiffs) Put(ctx context.Context, collection, key string, value []byte) error {
	if collection == engine.Diffs && f.remaining.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, collection, key, value)
}

func TestFailedDiffWriteIsBackfilled(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	mem := engine.NewMemStore(nil, nil)
	records := &failingDiffs{Store: mem}
	records.remaining.Store(2)
	p := &Pipeline{Capturer: NewCapturer(&FileSource{Dir: dir}), Store: NewStore(records, 0)}
	ctx := context.Background()

	var snaps []schema.Snapshot
	for i := 0; i < 4; i++ {
		res, err := p.Run(ctx, "g1")
		if i == 1 || i == 2 {
			require.Error(t, err, "run %d", i)
		} else {
			require.NoError(t, err, "run %d", i)
		}
		snaps = append(snaps, res.Snapshot)
	}

	diffs, err := mem.List(ctx, engine.Diffs, engine.Query{Prefix: "g1/"})
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	for i := 1; i < len(snaps); i++ {
		saved, err := p.Store.HasDiff(ctx, snaps[i-1], snaps[i])
		require.NoError(t, err)
		assert.True(t, saved, "diff %d -> %d", i-1, i)
	}

	latest, err := p.Store.LatestDiff(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, snaps[3].ID, latest.ToSnapshotID)
}

func TestSubjectIDValidation(t *testing.T) {
	s := NewStore(engine.NewMemStore(nil, nil), 0)
	_, err := s.Latest(context.Background(), "a/b")
	assert.True(t, apperr.Is(err, apperr.BadRequest))
}

// gatedSource blocks Roles until released and counts calls.
type gatedSource struct {
	FileSource
	calls   atomic.Int32
	release chan struct{}
	fail    atomic.Bool
}

func (g *gatedSource) Roles(ctx context.Context, id string) ([]RawRole, error) {
	g.calls.Add(1)
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.fail.Load() {
		return nil, errors.New("gateway unreachable")
	}
	return g.FileSource.Roles(ctx, id)
}

func TestSchedulerRunsAndStops(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	src := &gatedSource{FileSource: FileSource{Dir: dir}}
	p := newPipeline(t, src)

	s := NewScheduler(p, []string{"g1"}, 20*time.Millisecond, 0, nil)
	s.Start(context.Background())
	s.Start(context.Background()) // no-op

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	n := src.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, src.calls.Load(), "no ticks after Stop")

	_, err := p.Store.LatestDiff(context.Background(), "g1")
	assert.NoError(t, err)
}

func TestSchedulerSurvivesCaptureFailures(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	src := &gatedSource{FileSource: FileSource{Dir: dir}}
	src.fail.Store(true)
	p := newPipeline(t, src)

	s := NewScheduler(p, []string{"g1"}, 10*time.Millisecond, 0, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	_, err := p.Store.Latest(context.Background(), "g1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	src.fail.Store(false)
	require.Eventually(t, func() bool {
		_, err := p.Store.Latest(context.Background(), "g1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTakeNowSerializesWithTicks(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "g1", fixtureYAML)
	src := &gatedSource{FileSource: FileSource{Dir: dir}, release: make(chan struct{})}
	p := newPipeline(t, src)
	s := NewScheduler(p, []string{"g1"}, time.Hour, 0, nil)

	s.Start(context.Background())
	defer s.Stop()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	// A tick arriving while the scheduled run is blocked is skipped.
	s.tick(context.Background(), "g1")
	assert.Equal(t, int32(1), src.calls.Load())

	var (
		wg  sync.WaitGroup
		res Result
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = s.TakeNow(context.Background(), "g1")
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load(), "TakeNow waits for the running tick")

	close(src.release)
	wg.Wait()
	require.NoError(t, err)
	require.NotNil(t, res.Diff, "TakeNow diffs against the scheduled snapshot")
	assert.True(t, res.Diff.Empty())

	_, err = s.TakeNow(context.Background(), "unknown")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
