package heatmap

import "errors"

// Both kinds are recoverable: the refresh scheduler retries them with backoff.
var (
	// ErrSourceUnavailable means no heat-map graphic was found for the media.
	ErrSourceUnavailable = errors.New("heat map graph not available")
	// ErrSourceUnparseable means a graphic was found but yielded no usable samples.
	ErrSourceUnparseable = errors.New("heat map points unavailable")
)
