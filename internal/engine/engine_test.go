package engine

import (
	"context"
	"errors"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/models"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/scheduler"
	"kinewatchd/internal/source"
	"kinewatchd/internal/store"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

// Endpoints (5,80) (505,60) (1005,40): raw range 40-80 over the whole media.
const risingPath = "M 0,100 C 1,1 2,2 5,80 C 3,3 4,4 505,60 C 6,6 7,7 1005,40"

// Endpoints (5,20) (1005,20): a flat curve without a usable raw range.
const flatPath = "M 0,100 C 1,1 2,2 5,20 C 3,3 4,4 1005,20"

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// fakeClock records scheduled timers instead of running them.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func snapshotOf(mediaID string, paths ...string) source.Snapshot {
	snap := source.Snapshot{MediaID: mediaID}
	for _, d := range paths {
		snap.Graphics = append(snap.Graphics, source.GraphicPayload{D: d})
	}
	return snap
}

type testRig struct {
	engine *Engine
	player *Player
	source *source.SnapshotSource
	clock  *fakeClock
}

func newRig(t *testing.T, cfg rate.Config) *testRig {
	t.Helper()
	rig := &testRig{
		player: NewPlayer(),
		source: source.NewSnapshotSource(),
		clock:  &fakeClock{},
	}
	rig.engine = New(context.Background(), "p1", &mockLogger{}, Options{
		Source:    rig.source,
		Playback:  rig.player,
		Sink:      rig.player,
		Config:    cfg,
		AfterFunc: rig.clock.AfterFunc,
	})
	t.Cleanup(rig.engine.Stop)
	return rig
}

func TestPlayer_PositionRatio(t *testing.T) {
	p := NewPlayer()
	_, ok := p.PositionRatio()
	assert.False(t, ok, "unknown duration")

	assert.True(t, p.Update(30, 120, 1))
	ratio, ok := p.PositionRatio()
	require.True(t, ok)
	assert.InDelta(t, 0.25, ratio, 1e-12)

	assert.False(t, p.Update(500, 120, math.NaN()), "same duration")
	ratio, _ = p.PositionRatio()
	assert.Equal(t, 1.0, ratio)
	assert.Equal(t, 1.0, p.PlaybackRate(), "non-finite rate is ignored")

	p.Update(0, 0, 1)
	_, ok = p.PositionRatio()
	assert.False(t, ok, "zero duration")

	p.Update(0, math.Inf(1), 1)
	_, ok = p.PositionRatio()
	assert.False(t, ok, "live stream")
}

func TestEngine_TickWithoutCurve(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.player.Update(10, 100, 1)

	res := rig.engine.Tick()
	assert.False(t, res.HeatmapAvailable)
	assert.Nil(t, res.TargetRate)
	assert.False(t, res.Applied)
	assert.Equal(t, 1.0, rig.player.PlaybackRate())
	assert.Equal(t, "KineWatch 1.00× • heat-map unavailable", rig.engine.Summary())
}

func TestEngine_SetMediaExtractsAndApplies(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.source.Update(snapshotOf("a", risingPath))
	rig.player.Update(50, 100, 1)

	require.NoError(t, rig.engine.SetMedia("a"))

	st := rig.engine.State()
	assert.Equal(t, "a", st.MediaID)
	assert.Len(t, st.Curve, 3)
	assert.Equal(t, models.RawRange{Min: 40, Max: 80}, st.RawRange)
	assert.Empty(t, st.LastError)

	// The refresh ends with a tick: raw 60 in 40-80 maps to the middle of 1x-2x.
	assert.InDelta(t, 1.5, rig.player.PlaybackRate(), 1e-9)
	assert.Equal(t, "KineWatch 1.50× • heat 40% • raw 50% • speed 50%", rig.engine.Summary())

	rig.player.Update(25, 100, rig.player.PlaybackRate())
	res := rig.engine.Tick()
	require.NotNil(t, res.TargetRate)
	assert.InDelta(t, 1.75, *res.TargetRate, 1e-9)
	assert.True(t, res.Applied)
	require.NotNil(t, res.RawRatio)
	assert.InDelta(t, 0.75, *res.RawRatio, 1e-9)
}

func TestEngine_RateSinkThreshold(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.source.Update(snapshotOf("a", risingPath))
	require.NoError(t, rig.engine.SetMedia("a"))

	rig.player.Update(50, 100, 1.505)
	res := rig.engine.Tick()
	require.NotNil(t, res.TargetRate)
	assert.False(t, res.Applied)
	assert.Equal(t, 1.505, rig.player.PlaybackRate())

	rig.player.Update(50, 100, 1.2)
	res = rig.engine.Tick()
	assert.True(t, res.Applied)
	assert.InDelta(t, 1.5, rig.player.PlaybackRate(), 1e-9)
}

func TestEngine_SummaryShowsPendingTarget(t *testing.T) {
	target, current, heat := 1.75, 1.5, 0.4
	s := formatSummary(TickResult{
		PlaybackRate:        &current,
		TargetRate:          &target,
		NormalizedIntensity: &heat,
		HeatmapAvailable:    true,
	})
	assert.Equal(t, "KineWatch 1.50× → 1.75× • heat 40%", s)
	assert.Equal(t, "KineWatch —", formatSummary(TickResult{}))
}

func TestEngine_FlatCurveHasNoTarget(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.source.Update(snapshotOf("a", flatPath))
	rig.player.Update(50, 100, 1)
	require.NoError(t, rig.engine.SetMedia("a"))

	status := rig.engine.Status()
	assert.True(t, status.CurveAvailable)
	assert.False(t, status.RawRangeAvailable)
	assert.Equal(t, 0.0, status.MaxRaw)

	res := rig.engine.Tick()
	assert.Nil(t, res.TargetRate)
	assert.NotNil(t, res.NormalizedIntensity)
	assert.Equal(t, 1.0, rig.player.PlaybackRate())
}

func TestEngine_FailureRetriesWithBackoff(t *testing.T) {
	rig := newRig(t, rate.Default)

	err := rig.engine.SetMedia("a")
	require.ErrorIs(t, err, heatmap.ErrSourceUnavailable)

	status := rig.engine.Status()
	assert.False(t, status.CurveAvailable)
	require.NotNil(t, status.LastError)
	assert.Equal(t, heatmap.ErrSourceUnavailable.Error(), *status.LastError)
	assert.Equal(t, "failed", status.State)

	first := rig.clock.last()
	require.NotNil(t, first)
	assert.Equal(t, time.Second, first.delay)

	first.f()
	assert.Equal(t, 1, rig.engine.State().RetryAttempt)
	second := rig.clock.last()
	assert.Equal(t, 1500*time.Millisecond, second.delay)

	rig.source.Update(snapshotOf("a", risingPath))
	second.f()

	st := rig.engine.State()
	assert.Equal(t, 0, st.RetryAttempt)
	assert.Empty(t, st.LastError)
	assert.NotEmpty(t, st.Curve)
	assert.Equal(t, "ready", rig.engine.Status().State)
}

func TestEngine_SetMediaResetsSynchronously(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.source.Update(snapshotOf("a", risingPath))
	require.NoError(t, rig.engine.SetMedia("a"))
	require.NotEmpty(t, rig.engine.State().Curve)

	// Same identity is a no-op.
	require.NoError(t, rig.engine.SetMedia("a"))
	assert.NotEmpty(t, rig.engine.State().Curve)

	rig.source.Clear()
	err := rig.engine.SetMedia("b")
	assert.ErrorIs(t, err, heatmap.ErrSourceUnavailable)
	st := rig.engine.State()
	assert.Equal(t, "b", st.MediaID)
	assert.Empty(t, st.Curve)
	pending := rig.clock.last()
	require.NotNil(t, pending)

	// Detaching cancels the retry; a stale timer firing afterwards does nothing.
	rig.engine.Detach()
	assert.True(t, pending.stopped)
	rig.source.Update(snapshotOf("b", risingPath))
	pending.f()
	st = rig.engine.State()
	assert.Empty(t, st.MediaID)
	assert.Empty(t, st.Curve)
	assert.Equal(t, 0, st.RetryAttempt)
}

// blockingSource serves a different snapshot per call and blocks the first call until released.
type blockingSource struct {
	calls    atomic.Int32
	entered  chan struct{}
	release  chan struct{}
	graphics [][]models.Graphic
}

func (s *blockingSource) Graphics(ctx context.Context) ([]models.Graphic, error) {
	n := s.calls.Add(1)
	if n == 1 {
		close(s.entered)
		<-s.release
	}
	idx := int(n) - 1
	if idx >= len(s.graphics) {
		return nil, errors.New("no more graphics")
	}
	return s.graphics[idx], nil
}

func TestEngine_DiscardsSupersededExtraction(t *testing.T) {
	src := &blockingSource{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		graphics: [][]models.Graphic{
			{{Path: flatPath}},
			{{Path: risingPath}},
		},
	}
	e := New(context.Background(), "p1", &mockLogger{}, Options{
		Source:    src,
		AfterFunc: (&fakeClock{}).AfterFunc,
	})
	defer e.Stop()

	done := make(chan error, 1)
	go func() { done <- e.SetMedia("a") }()
	<-src.entered

	require.NoError(t, e.SetMedia("b"))
	require.Equal(t, models.RawRange{Min: 40, Max: 80}, e.State().RawRange)

	close(src.release)
	require.NoError(t, <-done)

	st := e.State()
	assert.Equal(t, "b", st.MediaID)
	assert.Equal(t, models.RawRange{Min: 40, Max: 80}, st.RawRange, "stale extraction for media a must not land")
}

func TestEngine_ApplyConfig(t *testing.T) {
	st, err := store.Open(":memory:", &mockLogger{})
	require.NoError(t, err)
	defer st.Close()

	rig := &testRig{player: NewPlayer(), source: source.NewSnapshotSource(), clock: &fakeClock{}}
	rig.engine = New(context.Background(), "p1", &mockLogger{}, Options{
		Source:    rig.source,
		Playback:  rig.player,
		Sink:      rig.player,
		Store:     st,
		Config:    rate.Default,
		AfterFunc: rig.clock.AfterFunc,
	})
	defer rig.engine.Stop()

	rig.source.Update(snapshotOf("a", risingPath))
	rig.player.Update(50, 100, 1)
	require.NoError(t, rig.engine.SetMedia("a"))
	assert.InDelta(t, 1.5, rig.player.PlaybackRate(), 1e-9)

	maxSpeed := 3.0
	cfg, err := rig.engine.ApplyConfig(context.Background(), rate.Patch{MaxSpeed: &maxSpeed}, false)
	require.NoError(t, err)
	assert.Equal(t, rate.Config{MinSpeed: 1, MaxSpeed: 3}, cfg)
	assert.InDelta(t, 2.0, rig.player.PlaybackRate(), 1e-9, "config change re-evaluates the target")

	saved, err := st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rate.Default, saved, "not persisted")

	minSpeed := 20.0
	cfg, err = rig.engine.ApplyConfig(context.Background(), rate.Patch{MinSpeed: &minSpeed}, true)
	require.NoError(t, err)
	assert.Equal(t, rate.Config{MinSpeed: 3, MaxSpeed: 16}, cfg)

	saved, err = st.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, saved)
}

func TestEngine_StoppedEngineDoesNotRetry(t *testing.T) {
	rig := newRig(t, rate.Default)
	rig.source.Update(snapshotOf("a", risingPath))
	require.NoError(t, rig.engine.SetMedia("a"))

	rig.engine.Stop()
	assert.Empty(t, rig.engine.State().Curve)

	assert.ErrorIs(t, rig.engine.Refresh(), scheduler.ErrStopped)
	assert.ErrorIs(t, rig.engine.SetMedia("b"), scheduler.ErrStopped)
	assert.Nil(t, rig.clock.last(), "no retry may be scheduled after Stop")
	assert.Equal(t, "idle", rig.engine.Status().State)
}
