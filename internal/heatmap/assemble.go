package heatmap

import (
	"kinewatchd/internal/models"
	"sort"
)

// MergeTolerance is the minimum distance in time ratio between two samples of a Curve.
const MergeTolerance = 1e-4

// Assemble merges the samples of all segments into one Curve.
// Samples with a non-finite time or intensity are dropped, the rest are ordered by time,
// and neighbours closer than MergeTolerance are folded into the earlier one by averaging.
// The input slices are not modified. An empty result is reported as ErrSourceUnparseable.
func Assemble(sets ...[]models.CurveSample) (models.Curve, error) {
	var merged []models.CurveSample
	for _, set := range sets {
		for _, s := range set {
			if !isFinite(s.TimeRatio) || !isFinite(s.NormalizedIntensity) {
				continue
			}
			merged = append(merged, s)
		}
	}
	if len(merged) == 0 {
		return nil, ErrSourceUnparseable
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].TimeRatio < merged[j].TimeRatio
	})

	curve := make(models.Curve, 0, len(merged))
	curve = append(curve, merged[0])
	for _, current := range merged[1:] {
		previous := &curve[len(curve)-1]
		if current.TimeRatio-previous.TimeRatio < MergeTolerance {
			previous.NormalizedIntensity = (previous.NormalizedIntensity + current.NormalizedIntensity) / 2
			if isFinite(previous.RawValue) && isFinite(current.RawValue) {
				previous.RawValue = (previous.RawValue + current.RawValue) / 2
			}
			continue
		}
		curve = append(curve, current)
	}

	return curve, nil
}
