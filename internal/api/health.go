package api

import (
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

type healthResponse struct {
	OK           bool   `json:"ok"`
	Players      int    `json:"players"`
	CachedCurves int    `json:"cachedCurves"`
	Uptime       string `json:"uptime"`
	RSSBytes     uint64 `json:"rssBytes,omitempty"`
	RSS          string `json:"rss,omitempty"`
	Threads      int32  `json:"threads,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:           true,
		Players:      a.manager.Len(),
		CachedCurves: a.manager.CurveCache().Len(),
		Uptime:       time.Since(a.started).Round(time.Second).String(),
	}

	// Process stats are best effort.
	proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid()))
	if err != nil {
		a.logger.Debugf("Process stats unavailable: %v", err)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
		resp.RSSBytes = mem.RSS
		resp.RSS = humanize.Bytes(mem.RSS)
	}
	if n, err := proc.NumThreadsWithContext(r.Context()); err == nil {
		resp.Threads = n
	}
	writeJSON(w, http.StatusOK, resp)
}
