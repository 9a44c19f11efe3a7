package source

import (
	"context"
	"fmt"
	"io"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/models"
	"net/http"
	"time"
)

const (
	maxFetchAttempts = 3
	fetchRetryDelay  = 100 * time.Millisecond
	fetchTimeout     = 5 * time.Second
)

// RemoteSource fetches a JSON snapshot from a URL on every call.
type RemoteSource struct {
	url        string
	userAgent  string
	httpClient *http.Client
	logger     logger.Logger
}

// NewRemoteSource creates a source for the snapshot at url.
func NewRemoteSource(url, userAgent string, log logger.Logger) *RemoteSource {
	transport := &http.Transport{
		ResponseHeaderTimeout: 3 * time.Second,
	}

	return &RemoteSource{
		url:        url,
		userAgent:  userAgent,
		httpClient: &http.Client{Transport: transport},
		logger:     log,
	}
}

// Graphics implements Source. A 404 means the page has no heat map and is reported as
// heatmap.ErrSourceUnavailable; other failures are retried a few times first.
func (rs *RemoteSource) Graphics(ctx context.Context) ([]models.Graphic, error) {
	snap, err := rs.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(snap.Graphics) == 0 {
		return nil, heatmap.ErrSourceUnavailable
	}
	return snap.ToGraphics(), nil
}

// Fetch downloads and decodes the snapshot with per-request timeouts and retries.
func (rs *RemoteSource) Fetch(ctx context.Context) (Snapshot, error) {
	var lastErr error

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		data, status, err := rs.fetchOnce(ctx)
		if err == nil && status == http.StatusOK {
			return DecodeSnapshot(data)
		}

		switch {
		case err != nil:
			lastErr = fmt.Errorf("fetch attempt %d for %s failed: %w", attempt, rs.url, err)
		case status == http.StatusNotFound:
			return Snapshot{}, fmt.Errorf("snapshot %s not found: %w", rs.url, heatmap.ErrSourceUnavailable)
		default:
			lastErr = fmt.Errorf("fetch attempt %d for %s received non-200 status: %d", attempt, rs.url, status)
		}
		rs.logger.Warnf("%v", lastErr)

		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(fetchRetryDelay):
		}
	}

	return Snapshot{}, fmt.Errorf("failed to fetch snapshot after %d attempts: %w", maxFetchAttempts, lastErr)
}

func (rs *RemoteSource) fetchOnce(ctx context.Context) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rs.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if rs.userAgent != "" {
		req.Header.Set("User-Agent", rs.userAgent)
	}

	rs.logger.Debugf("Fetching heat-map snapshot from %s", rs.url)
	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed while reading body: %w", err)
	}
	return data, resp.StatusCode, nil
}
