package models

import "math"

// RawPoint is a numeric pair taken from a path description, in the path's local coordinate space.
type RawPoint struct {
	X float64
	Y float64
}

// LocalSample is a RawPoint rescaled against the heat-map drawing convention.
// LocalTimeRatio is relative to the path's own chapter, not to the whole media.
type LocalSample struct {
	LocalTimeRatio      float64
	NormalizedIntensity float64
	// RawValue is the unscaled y coordinate, kept for global min-max normalization.
	RawValue float64
}

// ChapterGeometry is the layout of one chapter element inside its container, in pixels.
type ChapterGeometry struct {
	OffsetPx         float64 `json:"offsetPx" yaml:"offsetPx"`
	WidthPx          float64 `json:"widthPx" yaml:"widthPx"`
	ContainerWidthPx float64 `json:"containerWidthPx" yaml:"containerWidthPx"`
}

// ChapterBounds is the window of the global timeline covered by a chapter.
// HasChapter is false when the window degenerates to the full [0,1] range.
type ChapterBounds struct {
	HasChapter bool
	StartRatio float64
	EndRatio   float64
}

// Graphic is one path description delivered by a source, with its optional chapter layout.
type Graphic struct {
	Path    string
	Chapter *ChapterGeometry
}

// CurveSample is a LocalSample placed on the global timeline.
type CurveSample struct {
	TimeRatio           float64 `json:"t" yaml:"t"`
	NormalizedIntensity float64 `json:"i" yaml:"i"`
	RawValue            float64 `json:"raw" yaml:"raw"`
}

// Curve is the assembled engagement curve: ordered by TimeRatio with near-duplicate
// timestamps merged. A Curve is replaced on re-extraction and never mutated in place.
type Curve []CurveSample

// Metrics is the value of a Curve at one playback ratio.
type Metrics struct {
	NormalizedIntensity float64
	RawValue            float64
}

// RawRange is the span of raw values over a whole Curve.
type RawRange struct {
	Min float64
	Max float64
}

// Valid reports whether the range can be used for min-max normalization.
func (r RawRange) Valid() bool {
	return !math.IsNaN(r.Min) && !math.IsInf(r.Min, 0) &&
		!math.IsNaN(r.Max) && !math.IsInf(r.Max, 0) &&
		r.Max > r.Min
}
