package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/models"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Source provides the heat-map path descriptions currently visible for a media item.
// It returns heatmap.ErrSourceUnavailable when no graphic can be found.
type Source interface {
	Graphics(ctx context.Context) ([]models.Graphic, error)
}

// Snapshot is the heat-map state of a page as reported by the host.
type Snapshot struct {
	MediaID  string           `json:"mediaId"`
	Graphics []GraphicPayload `json:"graphics"`
}

// GraphicPayload is one heat-map path element and the chapter element around it.
type GraphicPayload struct {
	D       string          `json:"d"`
	Chapter *ChapterPayload `json:"chapter,omitempty"`
}

// ChapterPayload carries the chapter layout as the host sees it: inline style
// values such as "120px" or plain numbers.
type ChapterPayload struct {
	Left           Pixels `json:"left"`
	Width          Pixels `json:"width"`
	ContainerWidth Pixels `json:"containerWidth"`
}

// Pixels is a CSS pixel length. Missing or unparseable values are NaN.
type Pixels float64

// UnmarshalJSON accepts a number, a string like "12.5px", or null.
func (p *Pixels) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Pixels(math.NaN())
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid pixel value %s: %w", data, err)
		}
		v, ok := ParsePixels(s)
		if !ok {
			v = math.NaN()
		}
		*p = Pixels(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid pixel value %s: %w", data, err)
	}
	*p = Pixels(v)
	return nil
}

// ParsePixels parses a CSS pixel length such as "42px" or "42".
func ParsePixels(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// DecodeSnapshot reads a JSON snapshot. Absent pixel fields decode as NaN.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// UnmarshalJSON defaults every pixel field to NaN so absent fields are unusable.
func (c *ChapterPayload) UnmarshalJSON(data []byte) error {
	type raw ChapterPayload
	r := raw{
		Left:           Pixels(math.NaN()),
		Width:          Pixels(math.NaN()),
		ContainerWidth: Pixels(math.NaN()),
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = ChapterPayload(r)
	return nil
}

// ToGraphics converts the payloads into pipeline input.
func (s Snapshot) ToGraphics() []models.Graphic {
	graphics := make([]models.Graphic, 0, len(s.Graphics))
	for _, g := range s.Graphics {
		graphic := models.Graphic{Path: g.D}
		if g.Chapter != nil {
			graphic.Chapter = &models.ChapterGeometry{
				OffsetPx:         float64(g.Chapter.Left),
				WidthPx:          float64(g.Chapter.Width),
				ContainerWidthPx: float64(g.Chapter.ContainerWidth),
			}
		}
		graphics = append(graphics, graphic)
	}
	return graphics
}

// SnapshotSource serves the most recent snapshot pushed by the host.
type SnapshotSource struct {
	mutex    sync.RWMutex
	snapshot *Snapshot
}

// NewSnapshotSource creates an empty source.
func NewSnapshotSource() *SnapshotSource {
	return &SnapshotSource{}
}

// Update replaces the current snapshot.
func (s *SnapshotSource) Update(snap Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.snapshot = &snap
}

// Clear forgets the current snapshot, e.g. when the media changes.
func (s *SnapshotSource) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.snapshot = nil
}

// Graphics implements Source.
func (s *SnapshotSource) Graphics(ctx context.Context) ([]models.Graphic, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.snapshot == nil || len(s.snapshot.Graphics) == 0 {
		return nil, heatmap.ErrSourceUnavailable
	}
	return s.snapshot.ToGraphics(), nil
}
