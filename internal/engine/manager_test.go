package engine

import (
	"context"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/scheduler"
	"kinewatchd/internal/store"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", &mockLogger{})
	require.NoError(t, err)

	m := NewManager(&mockLogger{}, ManagerOptions{
		Store:     st,
		Config:    rate.Default,
		AfterFunc: (&fakeClock{}).AfterFunc,
	})
	t.Cleanup(func() {
		m.Stop()
		st.Close()
	})
	return m, st
}

func TestManager_GetOrCreate(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start()

	s1 := m.GetOrCreate("p1")
	s2 := m.GetOrCreate("p1")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Len())

	_, found := m.Get("p2")
	assert.False(t, found)

	assert.True(t, m.Remove("p1"))
	assert.False(t, m.Remove("p1"))
	assert.Equal(t, 0, m.Len())
}

func TestManager_LoadsStoredConfig(t *testing.T) {
	m, st := newTestManager(t)
	_, err := st.Set(context.Background(), rate.Config{MinSpeed: 1.25, MaxSpeed: 3})
	require.NoError(t, err)

	m.Start()
	assert.Equal(t, rate.Config{MinSpeed: 1.25, MaxSpeed: 3}, m.Config())
	assert.Equal(t, rate.Config{MinSpeed: 1.25, MaxSpeed: 3}, m.GetOrCreate("p1").Engine.Config())
}

func TestManager_FansOutStoreChanges(t *testing.T) {
	m, st := newTestManager(t)
	m.Start()
	s := m.GetOrCreate("p1")

	_, err := st.Set(context.Background(), rate.Config{MinSpeed: 0.5, MaxSpeed: 4})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Engine.Config() == rate.Config{MinSpeed: 0.5, MaxSpeed: 4}
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ApplyConfig(t *testing.T) {
	m, st := newTestManager(t)
	m.Start()
	s := m.GetOrCreate("p1")

	maxSpeed := 2.5
	cfg, err := m.ApplyConfig(context.Background(), rate.Patch{MaxSpeed: &maxSpeed}, true)
	require.NoError(t, err)
	assert.Equal(t, rate.Config{MinSpeed: 1, MaxSpeed: 2.5}, cfg)
	assert.Equal(t, cfg, s.Engine.Config())

	saved, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, saved)
}

func TestSession_Flow(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start()
	s := m.GetOrCreate("p1")

	require.NoError(t, s.PushGraphics(snapshotOf("a", risingPath)))
	assert.Equal(t, "a", s.Engine.MediaID())
	fp := s.Engine.Fingerprint()
	require.NotEmpty(t, fp)
	assert.Contains(t, m.ActiveFingerprints(), fp)
	_, cached := m.CurveCache().Get(fp)
	assert.True(t, cached)

	// The new duration refreshes the curve, and that refresh already applies the rate.
	res := s.ReportPlayback(50, 100, 1)
	require.NotNil(t, res.TargetRate)
	assert.InDelta(t, 1.5, *res.TargetRate, 1e-9)
	assert.False(t, res.Applied)
	assert.InDelta(t, 1.5, s.Player.PlaybackRate(), 1e-9)

	// A second player with the same graphics reuses the cached curve.
	other := m.GetOrCreate("p2")
	require.NoError(t, other.PushGraphics(snapshotOf("a", risingPath)))
	assert.Equal(t, fp, other.Engine.Fingerprint())
	assert.Equal(t, 1, m.CurveCache().Len())

	require.NoError(t, s.ChangeMedia("a"))
	assert.NotEmpty(t, s.Engine.State().Curve, "same media keeps the curve")

	err := s.ChangeMedia("b")
	assert.Error(t, err)
	st := s.Engine.State()
	assert.Equal(t, "b", st.MediaID)
	assert.Empty(t, st.Curve)
	assert.Empty(t, s.Engine.Fingerprint())
}

func TestSession_Detach(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start()
	s := m.GetOrCreate("p1")
	require.NoError(t, s.PushGraphics(snapshotOf("a", risingPath)))
	require.True(t, s.Engine.Status().CurveAvailable)

	s.Detach()
	status := s.Engine.Status()
	assert.Empty(t, status.MediaID)
	assert.False(t, status.CurveAvailable)
	assert.Equal(t, "idle", status.State)
	assert.Empty(t, m.ActiveFingerprints())

	// Pushed graphics are gone too, so reattaching the same media finds nothing.
	assert.Error(t, s.ChangeMedia("a"))
}

func TestSession_HeldAfterRemoveDoesNotRetry(t *testing.T) {
	clock := &fakeClock{}
	m := NewManager(&mockLogger{}, ManagerOptions{Config: rate.Default, AfterFunc: clock.AfterFunc})
	t.Cleanup(m.Stop)
	m.Start()

	s := m.GetOrCreate("p1")
	require.True(t, m.Remove("p1"))

	assert.ErrorIs(t, s.ChangeMedia("a"), scheduler.ErrStopped)
	assert.ErrorIs(t, s.PushGraphics(snapshotOf("a", risingPath)), scheduler.ErrStopped)
	assert.Nil(t, clock.last())
}

func TestManager_SnapshotURLFallback(t *testing.T) {
	body := `{"mediaId":"a","graphics":[{"d":"` + risingPath + `"}]}`
	var mu sync.Mutex
	var gotPath, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.EscapedPath()
		gotAgent = r.Header.Get("User-Agent")
		w.Write([]byte(body))
	}))
	defer server.Close()

	m := NewManager(&mockLogger{}, ManagerOptions{
		Config:      rate.Default,
		SnapshotURL: server.URL + "/snapshots/{player}",
		UserAgent:   "kinewatch-test",
		AfterFunc:   (&fakeClock{}).AfterFunc,
	})
	t.Cleanup(m.Stop)
	m.Start()

	s := m.GetOrCreate("tab 1")
	require.NoError(t, s.ChangeMedia("a"))
	mu.Lock()
	assert.Equal(t, "/snapshots/tab%201", gotPath)
	assert.Equal(t, "kinewatch-test", gotAgent)
	mu.Unlock()
	assert.Equal(t, 3, s.Engine.Status().Samples)
}
