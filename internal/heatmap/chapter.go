package heatmap

import "kinewatchd/internal/models"

// chapterTolerance is the smallest chapter window still treated as a chapter.
const chapterTolerance = 1e-6

var noChapter = models.ChapterBounds{HasChapter: false, StartRatio: 0, EndRatio: 1}

// Bounds computes the global timeline window covered by a chapter from its layout.
// Missing or unusable geometry yields the full [0,1] window with HasChapter unset.
func Bounds(g *models.ChapterGeometry) models.ChapterBounds {
	if g == nil {
		return noChapter
	}
	if !isFinite(g.ContainerWidthPx) || g.ContainerWidthPx <= 0 {
		return noChapter
	}
	if !isFinite(g.OffsetPx) || !isFinite(g.WidthPx) {
		return noChapter
	}

	start := clamp(g.OffsetPx/g.ContainerWidthPx, 0, 1)
	end := clamp((g.OffsetPx+g.WidthPx)/g.ContainerWidthPx, 0, 1)
	if start > end {
		start, end = end, start
	}
	if end-start <= chapterTolerance {
		return noChapter
	}

	return models.ChapterBounds{HasChapter: true, StartRatio: start, EndRatio: end}
}

// Stitch places the local samples of one chapter into its window of the global timeline.
func Stitch(b models.ChapterBounds, local []models.LocalSample) []models.CurveSample {
	scale := 1.0
	if span := b.EndRatio - b.StartRatio; span > 0 {
		scale = span
	}
	offset := 0.0
	if b.HasChapter {
		offset = b.StartRatio
	}

	samples := make([]models.CurveSample, 0, len(local))
	for _, s := range local {
		samples = append(samples, models.CurveSample{
			TimeRatio:           clamp(offset+s.LocalTimeRatio*scale, 0, 1),
			NormalizedIntensity: s.NormalizedIntensity,
			RawValue:            s.RawValue,
		})
	}
	return samples
}
