package engine

import (
	"context"
	"kinewatchd/internal/cache"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/models"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/scheduler"
	"kinewatchd/internal/source"
	"sync"
	"sync/atomic"
)

// ConfigStore persists the rate configuration.
type ConfigStore interface {
	Get(ctx context.Context) (rate.Config, error)
	Set(ctx context.Context, cfg rate.Config) (rate.Config, error)
	Subscribe() (<-chan rate.Config, func())
}

// EngineState is a point-in-time view of an engine's per-media state.
type EngineState struct {
	MediaID      string
	Curve        models.Curve
	RawRange     models.RawRange
	RetryAttempt int
	LastError    string
}

// Options carries the collaborators of an Engine. Cache, Store and AfterFunc are optional.
type Options struct {
	Source    source.Source
	Playback  PlaybackSource
	Sink      RateSink
	Extractor *heatmap.Extractor
	Cache     *cache.CurveCache
	Store     ConfigStore
	Config    rate.Config
	Backoff   scheduler.Backoff
	AfterFunc scheduler.AfterFunc
}

// Engine is the speed controller of one observed player. It keeps the engagement
// curve of the current media up to date and maps playback position to a speed.
type Engine struct {
	ID        string
	logger    logger.Logger
	source    source.Source
	playback  PlaybackSource
	sink      RateSink
	extractor *heatmap.Extractor
	cache     *cache.CurveCache
	store     ConfigStore
	scheduler *scheduler.Scheduler

	// current is swapped whole on every extraction; readers never see a partial curve.
	current atomic.Pointer[cache.Extraction]

	mutex       sync.Mutex
	mediaID     string
	lastError   string
	fingerprint string
	config      rate.Config
	lastTick    TickResult
	// seq identifies the newest extraction run; older runs are discarded on completion.
	seq uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine in the idle state. It does not extract until Refresh or SetMedia.
func New(ctx context.Context, id string, log logger.Logger, opts Options) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	extractor := opts.Extractor
	if extractor == nil {
		extractor = heatmap.NewExtractor(heatmap.DefaultCalibration, 0)
	}

	e := &Engine{
		ID:        id,
		logger:    log,
		source:    opts.Source,
		playback:  opts.Playback,
		sink:      opts.Sink,
		extractor: extractor,
		cache:     opts.Cache,
		store:     opts.Store,
		config:    rate.Normalize(opts.Config),
		ctx:       ctx,
		cancel:    cancel,
	}

	schedOpts := []scheduler.Option{scheduler.WithBackoff(opts.Backoff)}
	if opts.AfterFunc != nil {
		schedOpts = append(schedOpts, scheduler.WithAfterFunc(opts.AfterFunc))
	}
	e.scheduler = scheduler.New(id, log, e.extract, schedOpts...)
	return e
}

// MediaID returns the identity of the media currently observed.
func (e *Engine) MediaID() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.mediaID
}

// SetMedia switches the engine to another media item. A new identity synchronously
// drops the curve, the pending retry and the attempt count before extracting again.
// The same identity only triggers a refresh when nothing has been extracted yet.
func (e *Engine) SetMedia(id string) error {
	e.mutex.Lock()
	if id == e.mediaID && e.scheduler.State() != scheduler.Idle {
		e.mutex.Unlock()
		return nil
	}
	e.logger.Infof("Player %s now observing media %q", e.ID, id)
	e.resetLocked()
	e.mediaID = id
	e.mutex.Unlock()

	return e.Refresh()
}

// Detach forgets the current media, e.g. when the media element goes away.
func (e *Engine) Detach() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.logger.Infof("Player %s detached from media %q", e.ID, e.mediaID)
	e.resetLocked()
	e.mediaID = ""
}

func (e *Engine) resetLocked() {
	e.scheduler.Reset()
	e.seq++
	e.current.Store(nil)
	e.lastError = ""
	e.fingerprint = ""
}

// Refresh re-runs extraction now. Failures are retried in the background.
func (e *Engine) Refresh() error {
	return e.scheduler.Trigger()
}

// Stop cancels background work. Later refreshes return scheduler.ErrStopped
// and schedule no retries.
func (e *Engine) Stop() {
	e.cancel()
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.scheduler.Stop()
	e.seq++
	e.current.Store(nil)
	e.lastError = ""
	e.fingerprint = ""
}

// extract is the scheduler job: one full pass of the curve pipeline.
func (e *Engine) extract() error {
	e.mutex.Lock()
	e.seq++
	seq, mediaID := e.seq, e.mediaID
	e.mutex.Unlock()

	ex, fingerprint, err := e.runPipeline()

	e.mutex.Lock()
	if seq != e.seq || mediaID != e.mediaID || e.ctx.Err() != nil {
		e.mutex.Unlock()
		e.logger.Debugf("Discarding superseded extraction for player %s", e.ID)
		return nil
	}
	if err != nil {
		e.current.Store(nil)
		e.lastError = err.Error()
		e.fingerprint = ""
		e.mutex.Unlock()
		e.logger.Warnf("Heat map extraction failed for player %s: %v", e.ID, err)
		e.Tick()
		return err
	}
	e.current.Store(ex)
	e.lastError = ""
	e.fingerprint = fingerprint
	e.mutex.Unlock()

	e.logger.Infof("Extracted curve with %d samples for player %s (raw range %.2f-%.2f)",
		len(ex.Curve), e.ID, ex.RawRange.Min, ex.RawRange.Max)
	e.Tick()
	return nil
}

func (e *Engine) runPipeline() (*cache.Extraction, string, error) {
	if e.source == nil {
		return nil, "", heatmap.ErrSourceUnavailable
	}
	graphics, err := e.source.Graphics(e.ctx)
	if err != nil {
		return nil, "", err
	}

	cal := e.extractor.Calibration()
	fingerprint := cache.Fingerprint(graphics, cal.X0, cal.XSpan, cal.YMax)
	if e.cache != nil {
		if ex, found := e.cache.Get(fingerprint); found {
			e.logger.Debugf("Reusing cached curve %s for player %s", fingerprint, e.ID)
			return ex, fingerprint, nil
		}
	}

	curve, err := e.extractor.Extract(e.ctx, graphics)
	if err != nil {
		return nil, "", err
	}
	ex := &cache.Extraction{Curve: curve, RawRange: heatmap.RawRangeOf(curve)}
	if e.cache != nil {
		e.cache.Set(fingerprint, ex)
	}
	return ex, fingerprint, nil
}

// Fingerprint returns the cache key of the current curve, empty when there is none.
func (e *Engine) Fingerprint() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.fingerprint
}

// State returns the per-media state.
func (e *Engine) State() EngineState {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	st := EngineState{
		MediaID:      e.mediaID,
		RetryAttempt: e.scheduler.Attempt(),
		LastError:    e.lastError,
	}
	if ex := e.current.Load(); ex != nil {
		st.Curve = ex.Curve
		st.RawRange = ex.RawRange
	}
	return st
}

// Config returns the cached rate configuration.
func (e *Engine) Config() rate.Config {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.config
}

// ApplyConfig merges an untrusted partial update into the configuration, optionally
// saving it, and re-evaluates the target rate if anything changed.
func (e *Engine) ApplyConfig(ctx context.Context, patch rate.Patch, persist bool) (rate.Config, error) {
	e.mutex.Lock()
	next := e.config.Apply(patch)
	changed := next.Changed(e.config)
	e.config = next
	e.mutex.Unlock()

	if persist && e.store != nil {
		if _, err := e.store.Set(ctx, next); err != nil {
			return next, err
		}
	}
	if changed {
		e.Tick()
	}
	return next, nil
}

// UpdateConfig replaces the configuration, e.g. after a change in the store.
func (e *Engine) UpdateConfig(cfg rate.Config) {
	cfg = rate.Normalize(cfg)
	e.mutex.Lock()
	changed := cfg.Changed(e.config)
	e.config = cfg
	e.mutex.Unlock()

	if changed {
		e.logger.Debugf("Player %s picked up rate config %s", e.ID, cfg)
		e.Tick()
	}
}
