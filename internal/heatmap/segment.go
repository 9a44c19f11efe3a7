package heatmap

import "kinewatchd/internal/models"

// Calibration describes the coordinate convention of the rendered heat-map graphic.
// The time axis starts at X0 and spans XSpan units; the intensity axis is
// screen-space, so y=0 is the most intense and y=YMax the least.
type Calibration struct {
	X0    float64 `yaml:"x0"`
	XSpan float64 `yaml:"xSpan"`
	YMax  float64 `yaml:"yMax"`
}

// DefaultCalibration matches the player's heat-map path rendering.
var DefaultCalibration = Calibration{X0: 5, XSpan: 1000, YMax: 100}

// Valid reports whether the calibration can be used to rescale points.
func (c Calibration) Valid() bool {
	return isFinite(c.X0) && isFinite(c.XSpan) && isFinite(c.YMax) && c.XSpan > 0 && c.YMax > 0
}

// OrDefault returns c if it is valid and DefaultCalibration otherwise.
func (c Calibration) OrDefault() Calibration {
	if c.Valid() {
		return c
	}
	return DefaultCalibration
}

// Normalize rescales a raw point into a LocalSample. Outputs are always finite and
// clamped to [0,1]; raw points are finite by construction in ParsePath.
func (c Calibration) Normalize(p models.RawPoint) models.LocalSample {
	return models.LocalSample{
		LocalTimeRatio:      clamp((p.X-c.X0)/c.XSpan, 0, 1),
		NormalizedIntensity: clamp((c.YMax-p.Y)/c.YMax, 0, 1),
		RawValue:            p.Y,
	}
}

// NormalizeAll rescales every point of one path segment.
func (c Calibration) NormalizeAll(points []models.RawPoint) []models.LocalSample {
	samples := make([]models.LocalSample, 0, len(points))
	for _, p := range points {
		samples = append(samples, c.Normalize(p))
	}
	return samples
}
