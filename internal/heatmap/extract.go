package heatmap

import (
	"context"
	"fmt"
	"kinewatchd/internal/models"
	"strings"

	"golang.org/x/sync/errgroup"
)

const defaultExtractWorkers = 4

// Extractor runs the full pipeline from path descriptions to an assembled Curve.
type Extractor struct {
	calibration Calibration
	workers     int
}

// NewExtractor creates an extractor. An invalid calibration falls back to
// DefaultCalibration and a non-positive worker count to a small default.
func NewExtractor(cal Calibration, workers int) *Extractor {
	if workers <= 0 {
		workers = defaultExtractWorkers
	}
	return &Extractor{
		calibration: cal.OrDefault(),
		workers:     workers,
	}
}

// Calibration returns the calibration in use.
func (e *Extractor) Calibration() Calibration {
	return e.calibration
}

// Segment converts one graphic into samples on the global timeline.
// A graphic with an empty path contributes nothing.
func (e *Extractor) Segment(g models.Graphic) []models.CurveSample {
	if strings.TrimSpace(g.Path) == "" {
		return nil
	}
	local := e.calibration.NormalizeAll(ParsePath(g.Path))
	return Stitch(Bounds(g.Chapter), local)
}

// Extract parses every graphic concurrently and assembles the result.
// No graphics at all is ErrSourceUnavailable; graphics without usable samples
// are ErrSourceUnparseable.
func (e *Extractor) Extract(ctx context.Context, graphics []models.Graphic) (models.Curve, error) {
	if len(graphics) == 0 {
		return nil, ErrSourceUnavailable
	}

	sets := make([][]models.CurveSample, len(graphics))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, graphic := range graphics {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sets[i] = e.Segment(graphic)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extraction cancelled: %w", err)
	}

	curve, err := Assemble(sets...)
	if err != nil {
		return nil, fmt.Errorf("assembling %d graphics: %w", len(graphics), err)
	}
	return curve, nil
}
