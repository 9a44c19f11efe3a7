package heatmap

import (
	"kinewatchd/internal/models"
	"sort"
)

// Sample returns the curve's value at the given time ratio by piecewise-linear
// interpolation. Ratios outside the curve take the value of the nearest end sample.
// It reports false when the curve is empty or the ratio is not finite.
func Sample(curve models.Curve, ratio float64) (models.Metrics, bool) {
	if len(curve) == 0 || !isFinite(ratio) {
		return models.Metrics{}, false
	}

	first := curve[0]
	if ratio <= first.TimeRatio {
		return metricsOf(first), true
	}
	last := curve[len(curve)-1]
	if ratio >= last.TimeRatio {
		return metricsOf(last), true
	}

	// first.TimeRatio < ratio < last.TimeRatio, so 0 < i < len(curve).
	i := sort.Search(len(curve), func(i int) bool {
		return ratio <= curve[i].TimeRatio
	})
	prev, next := curve[i-1], curve[i]

	span := next.TimeRatio - prev.TimeRatio
	if span <= 0 {
		return metricsOf(next), true
	}
	weight := (ratio - prev.TimeRatio) / span

	m := models.Metrics{
		NormalizedIntensity: lerp(prev.NormalizedIntensity, next.NormalizedIntensity, weight),
	}
	switch {
	case isFinite(prev.RawValue) && isFinite(next.RawValue):
		m.RawValue = lerp(prev.RawValue, next.RawValue, weight)
	case isFinite(next.RawValue):
		m.RawValue = next.RawValue
	default:
		m.RawValue = prev.RawValue
	}
	return m, true
}

// RawRangeOf computes the span of finite raw values over the curve.
// A curve without finite raw values has the zero range, which is not Valid.
func RawRangeOf(curve models.Curve) models.RawRange {
	var rng models.RawRange
	seen := false
	for _, s := range curve {
		if !isFinite(s.RawValue) {
			continue
		}
		if !seen {
			rng = models.RawRange{Min: s.RawValue, Max: s.RawValue}
			seen = true
			continue
		}
		if s.RawValue < rng.Min {
			rng.Min = s.RawValue
		}
		if s.RawValue > rng.Max {
			rng.Max = s.RawValue
		}
	}
	return rng
}

func metricsOf(s models.CurveSample) models.Metrics {
	return models.Metrics{NormalizedIntensity: s.NormalizedIntensity, RawValue: s.RawValue}
}

// lerp performs linear interpolation between a and b
func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
