package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/models"
	"math"
	"sync"
	"time"
)

const defaultEvictionInterval = 30 * time.Second

// ActiveKeysProvider is a function type that provides the set of fingerprints still in use.
type ActiveKeysProvider func() map[string]struct{}

// Extraction is the immutable result of one successful curve extraction.
type Extraction struct {
	Curve    models.Curve
	RawRange models.RawRange
}

// CurveCache provides a thread-safe, in-memory memo of extractions keyed by the
// fingerprint of their input graphics.
type CurveCache struct {
	mutex              sync.RWMutex
	cache              map[string]*Extraction
	logger             logger.Logger
	activeKeysProvider ActiveKeysProvider
	interval           time.Duration

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and returns a new CurveCache. A non-positive interval uses the default.
func New(log logger.Logger, provider ActiveKeysProvider, interval time.Duration) *CurveCache {
	if interval <= 0 {
		interval = defaultEvictionInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CurveCache{
		cache:              make(map[string]*Extraction),
		logger:             log,
		activeKeysProvider: provider,
		interval:           interval,
		ctx:                ctx,
		cancel:             cancel,
	}
}

// Start begins the background eviction worker.
func (cc *CurveCache) Start() {
	cc.logger.Infof("Starting curve cache eviction worker...")
	go cc.evictionWorker()
}

// Stop gracefully shuts down the eviction worker.
func (cc *CurveCache) Stop() {
	cc.logger.Infof("Stopping curve cache eviction worker...")
	cc.cancel()
}

// Set stores an extraction.
func (cc *CurveCache) Set(key string, ex *Extraction) {
	cc.mutex.Lock()
	defer cc.mutex.Unlock()
	cc.cache[key] = ex
	cc.logger.Debugf("Cached curve %s with %d samples", key, len(ex.Curve))
}

// Get retrieves an extraction.
func (cc *CurveCache) Get(key string) (*Extraction, bool) {
	cc.mutex.RLock()
	defer cc.mutex.RUnlock()
	ex, found := cc.cache[key]
	return ex, found
}

// Len returns the number of cached extractions.
func (cc *CurveCache) Len() int {
	cc.mutex.RLock()
	defer cc.mutex.RUnlock()
	return len(cc.cache)
}

// evictionWorker runs in the background to drop curves no player uses any more.
func (cc *CurveCache) evictionWorker() {
	ticker := time.NewTicker(cc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.ctx.Done():
			cc.logger.Infof("Curve cache eviction worker stopped.")
			return
		case <-ticker.C:
			cc.Evict()
		}
	}
}

// Evict removes every extraction whose key is not reported active.
func (cc *CurveCache) Evict() int {
	activeKeys := cc.activeKeysProvider()

	cc.mutex.Lock()
	defer cc.mutex.Unlock()

	evictedCount := 0
	for key := range cc.cache {
		if _, isActive := activeKeys[key]; !isActive {
			delete(cc.cache, key)
			evictedCount++
		}
	}

	if evictedCount > 0 {
		cc.logger.Infof("Evicted %d curves from cache. Current cache size: %d curves.", evictedCount, len(cc.cache))
	} else {
		cc.logger.Debugf("No curves to evict. Current cache size: %d curves.", len(cc.cache))
	}
	return evictedCount
}

// Fingerprint identifies a set of graphics by their path descriptions and chapter layout.
// Graphics are hashed in order; the calibration is part of the key so a config
// change never reuses curves computed under another convention.
func Fingerprint(graphics []models.Graphic, extra ...float64) string {
	h := sha256.New()
	var buf [8]byte
	writeFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	for _, v := range extra {
		writeFloat(v)
	}
	for _, g := range graphics {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(g.Path)))
		h.Write(buf[:])
		h.Write([]byte(g.Path))
		if g.Chapter == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		writeFloat(g.Chapter.OffsetPx)
		writeFloat(g.Chapter.WidthPx)
		writeFloat(g.Chapter.ContainerWidthPx)
	}
	return hex.EncodeToString(h.Sum(nil))
}
