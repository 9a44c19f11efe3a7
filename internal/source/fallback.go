package source

import (
	"context"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/models"
)

// FallbackSource asks each source in turn and returns the first graphics found.
type FallbackSource struct {
	sources []Source
}

// NewFallbackSource creates a source over sources, tried in order. Nil entries are skipped.
func NewFallbackSource(sources ...Source) *FallbackSource {
	fs := &FallbackSource{}
	for _, s := range sources {
		if s != nil {
			fs.sources = append(fs.sources, s)
		}
	}
	return fs
}

// Graphics implements Source. When every source fails the last error is returned.
func (fs *FallbackSource) Graphics(ctx context.Context) ([]models.Graphic, error) {
	err := heatmap.ErrSourceUnavailable
	for _, s := range fs.sources {
		graphics, gerr := s.Graphics(ctx)
		if gerr == nil {
			return graphics, nil
		}
		err = gerr
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}
