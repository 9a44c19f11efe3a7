package engine

import (
	"math"
	"sync"
)

// PlaybackSource reports how far playback has progressed through the media.
type PlaybackSource interface {
	// PositionRatio returns the position in [0,1], or false when the duration is unknown.
	PositionRatio() (float64, bool)
}

// RateSink applies a playback speed to the media.
type RateSink interface {
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
}

// Player mirrors the playback state reported by the host. It is both the
// PlaybackSource and the RateSink of an engine.
type Player struct {
	mutex        sync.RWMutex
	currentTime  float64
	duration     float64
	playbackRate float64
}

// NewPlayer creates a player with unknown duration at normal speed.
func NewPlayer() *Player {
	return &Player{
		duration:     math.NaN(),
		playbackRate: 1,
	}
}

// Update records a playback report. Non-finite rates are ignored.
// It reports whether the duration changed, which calls for a curve refresh.
func (p *Player) Update(currentTime, duration, playbackRate float64) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	changed := !sameFloat(p.duration, duration)
	p.currentTime = currentTime
	p.duration = duration
	if isFinite(playbackRate) && playbackRate > 0 {
		p.playbackRate = playbackRate
	}
	return changed
}

// PositionRatio implements PlaybackSource.
func (p *Player) PositionRatio() (float64, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !isFinite(p.duration) || p.duration <= 0 || !isFinite(p.currentTime) {
		return 0, false
	}
	return clamp(p.currentTime/p.duration, 0, 1), true
}

// PlaybackRate implements RateSink.
func (p *Player) PlaybackRate() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.playbackRate
}

// SetPlaybackRate implements RateSink.
func (p *Player) SetPlaybackRate(rate float64) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.playbackRate = rate
}

func sameFloat(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
