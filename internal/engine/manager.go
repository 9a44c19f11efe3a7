package engine

import (
	"context"
	"kinewatchd/internal/cache"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/scheduler"
	"kinewatchd/internal/source"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Session binds an engine to the player state and graphics pushed for one player.
type Session struct {
	ID     string
	Engine *Engine
	Player *Player
	Source *source.SnapshotSource
}

// PushGraphics replaces the player's graphics snapshot and re-extracts the curve.
// A snapshot carrying another media id is treated as a media change.
func (s *Session) PushGraphics(snap source.Snapshot) error {
	s.Source.Update(snap)
	if snap.MediaID != "" && snap.MediaID != s.Engine.MediaID() {
		return s.Engine.SetMedia(snap.MediaID)
	}
	return s.Engine.Refresh()
}

// ChangeMedia records a new media identity. Graphics of the previous media are dropped.
func (s *Session) ChangeMedia(mediaID string) error {
	if mediaID != s.Engine.MediaID() {
		s.Source.Clear()
	}
	return s.Engine.SetMedia(mediaID)
}

// Detach drops the media and its graphics, e.g. when the media element is removed.
func (s *Session) Detach() {
	s.Source.Clear()
	s.Engine.Detach()
}

// ReportPlayback records a playback report and runs one control tick.
// A changed duration refreshes the curve first.
func (s *Session) ReportPlayback(currentTime, duration, playbackRate float64) TickResult {
	if s.Player.Update(currentTime, duration, playbackRate) {
		// Failures are retried by the scheduler and surface in Status.
		_ = s.Engine.Refresh()
	}
	return s.Engine.Tick()
}

// ManagerOptions configures a Manager. Store may be nil, in which case
// configuration changes are kept in memory only. When SnapshotURL is set, a player
// without pushed graphics falls back to the snapshot at that URL, with "{player}"
// replaced by the escaped player id.
type ManagerOptions struct {
	Store            ConfigStore
	SnapshotURL      string
	UserAgent        string
	Extractor        *heatmap.Extractor
	Backoff          scheduler.Backoff
	Config           rate.Config
	EvictionInterval time.Duration
	AfterFunc        scheduler.AfterFunc
}

// Manager manages the sessions of all observed players.
type Manager struct {
	mutex       sync.RWMutex
	sessions    map[string]*Session
	logger      logger.Logger
	store       ConfigStore
	snapshotURL string
	userAgent   string
	extractor   *heatmap.Extractor
	curveCache  *cache.CurveCache
	backoff     scheduler.Backoff
	afterFunc   scheduler.AfterFunc
	config      rate.Config

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new session manager.
func NewManager(log logger.Logger, opts ManagerOptions) *Manager {
	extractor := opts.Extractor
	if extractor == nil {
		extractor = heatmap.NewExtractor(heatmap.DefaultCalibration, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:    make(map[string]*Session),
		logger:      log,
		store:       opts.Store,
		snapshotURL: opts.SnapshotURL,
		userAgent:   opts.UserAgent,
		extractor:   extractor,
		backoff:     opts.Backoff,
		afterFunc:   opts.AfterFunc,
		config:      rate.Normalize(opts.Config),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.curveCache = cache.New(log, m.ActiveFingerprints, opts.EvictionInterval)
	return m
}

// Start loads the stored configuration and begins the background workers.
func (m *Manager) Start() {
	if m.store != nil {
		cfg, err := m.store.Get(m.ctx)
		if err != nil {
			m.logger.Warnf("Failed to load rate config, using %s: %v", m.config, err)
		} else {
			m.setConfig(cfg)
		}

		updates, unsubscribe := m.store.Subscribe()
		go m.configLoop(updates, unsubscribe)
	}
	m.logger.Infof("Rate config: %s", m.Config())
	m.curveCache.Start()
}

// Stop gracefully shuts down all sessions and background workers.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping session manager and all active sessions...")
	m.cancel()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, s := range m.sessions {
		s.Engine.Stop()
		delete(m.sessions, id)
	}
	m.curveCache.Stop()
	m.logger.Infof("Session manager stopped.")
}

// configLoop fans store changes out to every engine.
func (m *Manager) configLoop(updates <-chan rate.Config, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-m.ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			m.setConfig(cfg)
			for _, s := range m.list() {
				s.Engine.UpdateConfig(cfg)
			}
		}
	}
}

func (m *Manager) setConfig(cfg rate.Config) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.config = rate.Normalize(cfg)
}

// Config returns the configuration new engines start with.
func (m *Manager) Config() rate.Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.config
}

// ApplyConfig merges a partial update into the shared configuration and pushes it to
// every engine. With persist set the result is also saved to the store, whose change
// notification reaches the engines as well.
func (m *Manager) ApplyConfig(ctx context.Context, patch rate.Patch, persist bool) (rate.Config, error) {
	m.mutex.Lock()
	next := m.config.Apply(patch)
	m.config = next
	m.mutex.Unlock()

	for _, s := range m.list() {
		s.Engine.UpdateConfig(next)
	}
	if persist && m.store != nil {
		saved, err := m.store.Set(ctx, next)
		if err != nil {
			return next, err
		}
		return saved, nil
	}
	return next, nil
}

// GetOrCreate retrieves an existing session or creates a new one.
func (m *Manager) GetOrCreate(playerID string) *Session {
	m.mutex.RLock()
	s, found := m.sessions[playerID]
	m.mutex.RUnlock()
	if found {
		return s
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, found = m.sessions[playerID]; found {
		return s
	}

	m.logger.Infof("No session found for player %s. Creating a new one.", playerID)
	log := logger.WithPlayer(m.logger, playerID)
	player := NewPlayer()
	src := source.NewSnapshotSource()
	var engineSrc source.Source = src
	if m.snapshotURL != "" {
		remoteURL := strings.ReplaceAll(m.snapshotURL, "{player}", url.PathEscape(playerID))
		engineSrc = source.NewFallbackSource(src, source.NewRemoteSource(remoteURL, m.userAgent, log))
	}
	s = &Session{
		ID:     playerID,
		Player: player,
		Source: src,
		Engine: New(m.ctx, playerID, log, Options{
			Source:    engineSrc,
			Playback:  player,
			Sink:      player,
			Extractor: m.extractor,
			Cache:     m.curveCache,
			Store:     m.store,
			Config:    m.config,
			Backoff:   m.backoff,
			AfterFunc: m.afterFunc,
		}),
	}
	m.sessions[playerID] = s
	return s
}

// Get returns the session of a player, if any.
func (m *Manager) Get(playerID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, found := m.sessions[playerID]
	return s, found
}

// Remove stops and forgets a player's session. It reports whether the player existed.
func (m *Manager) Remove(playerID string) bool {
	m.mutex.Lock()
	s, found := m.sessions[playerID]
	delete(m.sessions, playerID)
	m.mutex.Unlock()

	if found {
		s.Engine.Stop()
		m.logger.Infof("Removed session for player %s", playerID)
	}
	return found
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// ActiveFingerprints returns the cache keys of every curve currently in use.
func (m *Manager) ActiveFingerprints() map[string]struct{} {
	active := make(map[string]struct{})
	for _, s := range m.list() {
		if fp := s.Engine.Fingerprint(); fp != "" {
			active[fp] = struct{}{}
		}
	}
	return active
}

// CurveCache exposes the shared curve cache.
func (m *Manager) CurveCache() *cache.CurveCache {
	return m.curveCache
}

func (m *Manager) list() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
