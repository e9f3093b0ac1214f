// Package api is the HTTP control surface of the monitor: it starts and
// stops sessions, acknowledges alerts and exposes the current state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/saviobatista/crash-alert/internal/config"
	"github.com/saviobatista/crash-alert/internal/session"
	"github.com/saviobatista/crash-alert/internal/types"
)

const (
	defaultIncidentLimit = 50
	maxIncidentLimit     = 500
	defaultStatsHours    = 24
	maxStatsHours        = 24 * 30
)

// Controller is the session controller as seen by the API
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	ResetAlert() error
	RetryAlert() error
	Snapshot() session.Snapshot
	Settings() config.Settings
	SetSettings(s config.Settings)
}

// IncidentLister lists recorded incidents (implemented by *db.Client)
type IncidentLister interface {
	ListIncidents(ctx context.Context, sessionID string, limit int) ([]*types.Incident, error)
}

// StatsHistory reads persisted counter snapshots (implemented by *db.Client)
type StatsHistory interface {
	GetSystemStats(start, end time.Time) ([]*types.SystemStats, error)
}

// Handler serves the control API
type Handler struct {
	controller   Controller
	incidents    IncidentLister
	settingsFile string
	stats        func() *types.SystemStats
	history      StatsHistory
}

// NewHandler creates a handler. incidents may be nil; settingsFile, when
// set, receives every settings change.
func NewHandler(controller Controller, incidents IncidentLister, settingsFile string) *Handler {
	return &Handler{controller: controller, incidents: incidents, settingsFile: settingsFile}
}

// WithStats enables GET /api/stats. history may be nil.
func (h *Handler) WithStats(current func() *types.SystemStats, history StatsHistory) *Handler {
	h.stats = current
	h.history = history
	return h
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Stop(); err != nil {
		log.Printf("Warning: session stopped with error: %v", err)
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) ResetAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ResetAlert(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) RetryAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.RetryAlert(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.controller.Snapshot())
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Settings())
}

// PutSettings merges the posted fields into the current settings. Contacts
// are validated here so a bad list is rejected when saved, not at start.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	settings := h.controller.Settings()
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid settings: " + err.Error()})
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, err)
		return
	}

	h.controller.SetSettings(settings)
	if h.settingsFile != "" {
		if err := config.SaveFile(h.settingsFile, settings); err != nil {
			log.Printf("Failed to save settings: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "settings applied but not saved"})
			return
		}
	}
	log.Printf("Settings saved (%d contact(s), limit %.0f km/h)", len(settings.Recipients()), settings.SpeedLimitKmh)
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if h.incidents == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "incident store is not configured"})
		return
	}

	limit := defaultIncidentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		if n > maxIncidentLimit {
			n = maxIncidentLimit
		}
		limit = n
	}

	incidents, err := h.incidents.ListIncidents(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		log.Printf("Failed to list incidents: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list incidents"})
		return
	}
	if incidents == nil {
		incidents = []*types.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// Stats returns the live counters and, when a store is set, the snapshots
// of the last ?hours= hours.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "statistics are not available"})
		return
	}

	hours := defaultStatsHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
			return
		}
		hours = min(n, maxStatsHours)
	}

	history := []*types.SystemStats{}
	if h.history != nil {
		end := time.Now()
		rows, err := h.history.GetSystemStats(end.Add(-time.Duration(hours)*time.Hour), end)
		if err != nil {
			writeError(w, fmt.Errorf("failed to load statistics: %w", err))
			return
		}
		if rows != nil {
			history = rows
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current": h.stats(),
		"history": history,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrNotTriggered),
		errors.Is(err, session.ErrDispatchInFlight):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("Failed to handle request: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
