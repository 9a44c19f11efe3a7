package api

import (
	"encoding/json"
	"fmt"
	"io"
	"kinewatchd/internal/engine"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/rate"
	"kinewatchd/internal/source"
	"math"
	"net/http"
	"time"
)

const maxBodyBytes = 4 << 20

type API struct {
	manager *engine.Manager
	logger  logger.Logger
	started time.Time
}

type mediaRequest struct {
	MediaID string `json:"mediaId"`
}

type playbackRequest struct {
	CurrentTime  *float64 `json:"currentTime"`
	Duration     *float64 `json:"duration"`
	PlaybackRate *float64 `json:"playbackRate"`
}

type configRequest struct {
	rate.Patch
	Persist *bool `json:"persist"`
}

type statusResponse struct {
	OK bool `json:"ok"`
	engine.Status
}

type tickResponse struct {
	OK bool `json:"ok"`
	engine.TickResult
}

type configResponse struct {
	OK bool `json:"ok"`
	rate.Config
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func New(manager *engine.Manager, log logger.Logger) http.Handler {
	api := &API{
		manager: manager,
		logger:  log,
		started: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("PUT /players/{playerId}/media", api.handleMedia)
	mux.HandleFunc("DELETE /players/{playerId}/media", api.handleDetach)
	mux.HandleFunc("PUT /players/{playerId}/graphics", api.handleGraphics)
	mux.HandleFunc("POST /players/{playerId}/playback", api.handlePlayback)
	mux.HandleFunc("GET /players/{playerId}/status", api.handleStatus)
	mux.HandleFunc("PUT /players/{playerId}/config", api.handlePlayerConfig)
	mux.HandleFunc("DELETE /players/{playerId}", api.handleRemove)
	mux.HandleFunc("GET /config", api.handleGetConfig)
	mux.HandleFunc("PUT /config", api.handlePutConfig)
	mux.HandleFunc("GET /healthz", api.handleHealth)

	return mux
}

func (a *API) handleMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if !a.decode(w, r, &req) {
		return
	}

	sess := a.manager.GetOrCreate(r.PathValue("playerId"))
	if err := sess.ChangeMedia(req.MediaID); err != nil {
		// Retried in the background; the status carries the error.
		a.logger.Debugf("Extraction for player %s pending: %v", sess.ID, err)
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true, Status: sess.Engine.Status()})
}

func (a *API) handleDetach(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	sess, found := a.manager.Get(playerID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Player %s not found", playerID))
		return
	}
	sess.Detach()
	writeJSON(w, http.StatusOK, statusResponse{OK: true, Status: sess.Engine.Status()})
}

func (a *API) handleGraphics(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read body: %v", err))
		return
	}
	snap, err := source.DecodeSnapshot(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := a.manager.GetOrCreate(r.PathValue("playerId"))
	if err := sess.PushGraphics(snap); err != nil {
		a.logger.Debugf("Extraction for player %s pending: %v", sess.ID, err)
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true, Status: sess.Engine.Status()})
}

func (a *API) handlePlayback(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if !a.decode(w, r, &req) {
		return
	}

	sess := a.manager.GetOrCreate(r.PathValue("playerId"))
	res := sess.ReportPlayback(orNaN(req.CurrentTime), orNaN(req.Duration), orNaN(req.PlaybackRate))
	writeJSON(w, http.StatusOK, tickResponse{OK: true, TickResult: res})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	sess, found := a.manager.Get(playerID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Player %s not found", playerID))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{OK: true, Status: sess.Engine.Status()})
}

// handlePlayerConfig changes one player's speed range. Without persist=false the
// result is also saved as the shared configuration and reaches every player.
func (a *API) handlePlayerConfig(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	sess, found := a.manager.Get(playerID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Player %s not found", playerID))
		return
	}
	var req configRequest
	if !a.decode(w, r, &req) {
		return
	}

	persist := req.Persist == nil || *req.Persist
	cfg, err := sess.Engine.ApplyConfig(r.Context(), req.Patch, persist)
	if err != nil {
		a.logger.Errorf("Failed to save rate config from player %s: %v", playerID, err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save config: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, configResponse{OK: true, Config: cfg})
}

func (a *API) handleRemove(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("playerId")
	if !a.manager.Remove(playerID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Player %s not found", playerID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{OK: true, Config: a.manager.Config()})
}

func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !a.decode(w, r, &req) {
		return
	}

	persist := req.Persist == nil || *req.Persist
	cfg, err := a.manager.ApplyConfig(r.Context(), req.Patch, persist)
	if err != nil {
		a.logger.Errorf("Failed to save rate config: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save config: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, configResponse{OK: true, Config: cfg})
}

// decode reads a JSON body into v, answering 400 itself when that fails.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{OK: false, Error: msg})
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
