package engine

import (
	"fmt"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/rate"
	"math"
	"strings"
)

// TickResult is the outcome of one control tick. Unknown values are nil.
type TickResult struct {
	PlaybackRate        *float64 `json:"playbackRate"`
	TargetRate          *float64 `json:"targetRate"`
	NormalizedIntensity *float64 `json:"normalizedIntensity"`
	RawRatio            *float64 `json:"rawRatio"`
	SpeedRatio          *float64 `json:"speedRatio"`
	HeatmapAvailable    bool     `json:"heatmapAvailable"`
	Applied             bool     `json:"applied"`
}

// Status is the externally visible state of an engine.
type Status struct {
	Config            rate.Config `json:"config"`
	CurveAvailable    bool        `json:"curveAvailable"`
	RawRangeAvailable bool        `json:"rawRangeAvailable"`
	LastError         *string     `json:"lastError"`
	PlaybackRate      *float64    `json:"playbackRate"`
	MediaID           string      `json:"mediaId"`
	MaxRaw            float64     `json:"maxRaw"`
	Samples           int         `json:"samples"`
	RetryAttempt      int         `json:"retryAttempt"`
	State             string      `json:"state"`
	Summary           string      `json:"summary"`
}

// Tick samples the playback position, looks up the curve and moves the player
// towards the mapped speed. The sink is only touched when the target differs from
// the current rate by more than rate.ApplyThreshold.
func (e *Engine) Tick() TickResult {
	var res TickResult
	cfg := e.Config()
	ex := e.current.Load()

	if ex != nil {
		res.HeatmapAvailable = ex.RawRange.Valid()
		if ratio, ok := e.positionRatio(); ok {
			if m, ok := heatmap.Sample(ex.Curve, ratio); ok {
				res.NormalizedIntensity = finitePtr(m.NormalizedIntensity)
				if raw, ok := rate.RawRatio(m.RawValue, ex.RawRange); ok {
					res.RawRatio = floatPtr(raw)
					res.SpeedRatio = floatPtr(raw)
					res.TargetRate = floatPtr(rate.Map(raw, cfg))
				}
			}
		}
	}

	if e.sink != nil {
		current := e.sink.PlaybackRate()
		if res.TargetRate != nil && rate.ShouldApply(current, *res.TargetRate) {
			e.sink.SetPlaybackRate(*res.TargetRate)
			res.Applied = true
			current = *res.TargetRate
		}
		res.PlaybackRate = finitePtr(current)
	}

	e.mutex.Lock()
	e.lastTick = res
	e.mutex.Unlock()
	return res
}

func (e *Engine) positionRatio() (float64, bool) {
	if e.playback == nil {
		return 0, false
	}
	return e.playback.PositionRatio()
}

// Status reports the engine's configuration, curve and retry state.
func (e *Engine) Status() Status {
	st := e.State()
	s := Status{
		Config:            e.Config(),
		CurveAvailable:    len(st.Curve) > 0,
		RawRangeAvailable: st.RawRange.Valid(),
		MediaID:           st.MediaID,
		Samples:           len(st.Curve),
		RetryAttempt:      st.RetryAttempt,
		State:             e.scheduler.State().String(),
		Summary:           e.Summary(),
	}
	if s.RawRangeAvailable {
		s.MaxRaw = st.RawRange.Max
	}
	if st.LastError != "" {
		msg := st.LastError
		s.LastError = &msg
	}
	if e.sink != nil {
		s.PlaybackRate = finitePtr(e.sink.PlaybackRate())
	}
	return s
}

// Summary renders the last tick as a one-line overlay text, for example
// "KineWatch 1.50× → 1.75× • heat 40% • raw 30% • speed 30%".
func (e *Engine) Summary() string {
	e.mutex.Lock()
	t := e.lastTick
	e.mutex.Unlock()
	return formatSummary(t)
}

func formatSummary(t TickResult) string {
	if t.PlaybackRate == nil {
		return "KineWatch —"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "KineWatch %.2f×", *t.PlaybackRate)
	if t.TargetRate != nil && math.Abs(*t.TargetRate-*t.PlaybackRate) > rate.ApplyThreshold {
		fmt.Fprintf(&sb, " → %.2f×", *t.TargetRate)
	}

	if !t.HeatmapAvailable {
		sb.WriteString(" • heat-map unavailable")
		return sb.String()
	}
	if t.NormalizedIntensity != nil {
		fmt.Fprintf(&sb, " • heat %s", percent(*t.NormalizedIntensity))
	}
	if t.RawRatio != nil {
		fmt.Fprintf(&sb, " • raw %s", percent(*t.RawRatio))
	}
	if t.SpeedRatio != nil {
		fmt.Fprintf(&sb, " • speed %s", percent(*t.SpeedRatio))
	}
	return sb.String()
}

func percent(v float64) string {
	return fmt.Sprintf("%.0f%%", clamp(v, 0, 1)*100)
}

func floatPtr(v float64) *float64 {
	return &v
}

func finitePtr(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}
