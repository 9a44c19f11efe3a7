package rate

import (
	"fmt"
	"kinewatchd/internal/models"
	"math"
)

const (
	// MinAdmissible and MaxAdmissible bound every playback speed the controller produces.
	MinAdmissible = 0.1
	MaxAdmissible = 16.0

	// ApplyThreshold is the smallest rate change worth applying to the player.
	ApplyThreshold = 0.01

	changeEpsilon = 1e-6
)

// Default is used for any setting that is missing or not a finite number.
var Default = Config{MinSpeed: 1, MaxSpeed: 2}

// Config is the speed range the controller maps engagement onto.
type Config struct {
	MinSpeed float64 `json:"minSpeed" yaml:"minSpeed"`
	MaxSpeed float64 `json:"maxSpeed" yaml:"maxSpeed"`
}

// Patch is a partial, untrusted update of a Config. Nil fields keep the current value.
type Patch struct {
	MinSpeed *float64 `json:"minSpeed,omitempty" yaml:"minSpeed,omitempty"`
	MaxSpeed *float64 `json:"maxSpeed,omitempty" yaml:"maxSpeed,omitempty"`
}

func (c Config) String() string {
	return fmt.Sprintf("%.3fx-%.3fx", c.MinSpeed, c.MaxSpeed)
}

// Normalize clamps both speeds into the admissible range, replaces non-finite values
// with the defaults, orders them and rounds them to three decimals.
// Out-of-range input is never an error.
func Normalize(c Config) Config {
	minSpeed := sanitize(c.MinSpeed, Default.MinSpeed)
	maxSpeed := sanitize(c.MaxSpeed, Default.MaxSpeed)
	if minSpeed > maxSpeed {
		minSpeed, maxSpeed = maxSpeed, minSpeed
	}
	return Config{MinSpeed: round3(minSpeed), MaxSpeed: round3(maxSpeed)}
}

// Apply merges a patch over c and normalizes the result.
func (c Config) Apply(p Patch) Config {
	next := c
	if p.MinSpeed != nil {
		next.MinSpeed = *p.MinSpeed
	}
	if p.MaxSpeed != nil {
		next.MaxSpeed = *p.MaxSpeed
	}
	return Normalize(next)
}

// FromPatch builds a normalized Config from untrusted input, defaulting missing fields.
func FromPatch(p Patch) Config {
	return Default.Apply(p)
}

// Changed reports whether the two configs differ enough to re-evaluate the target rate.
func (c Config) Changed(o Config) bool {
	return math.Abs(c.MinSpeed-o.MinSpeed) > changeEpsilon ||
		math.Abs(c.MaxSpeed-o.MaxSpeed) > changeEpsilon
}

// Map converts a normalized signal into a playback speed inside the configured range.
func Map(ratio float64, cfg Config) float64 {
	if !isFinite(ratio) {
		return cfg.MinSpeed
	}
	span := cfg.MaxSpeed - cfg.MinSpeed
	if span <= 0 {
		return cfg.MinSpeed
	}
	speed := cfg.MinSpeed + clamp(ratio, 0, 1)*span
	return clamp(speed, MinAdmissible, MaxAdmissible)
}

// RawRatio min-max normalizes a sampled raw value against the curve's raw range.
// It reports false when the range is unusable or the value is not finite.
func RawRatio(raw float64, rng models.RawRange) (float64, bool) {
	if !isFinite(raw) || !rng.Valid() {
		return 0, false
	}
	return clamp((raw-rng.Min)/(rng.Max-rng.Min), 0, 1), true
}

// ShouldApply reports whether target differs from the current rate by more than ApplyThreshold.
func ShouldApply(current, target float64) bool {
	if !isFinite(target) {
		return false
	}
	return !isFinite(current) || math.Abs(current-target) > ApplyThreshold
}

func sanitize(v, fallback float64) float64 {
	if !isFinite(v) {
		return fallback
	}
	return clamp(v, MinAdmissible, MaxAdmissible)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
