package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/saviobatista/crash-alert/internal/config"
	"github.com/saviobatista/crash-alert/internal/session"
	"github.com/saviobatista/crash-alert/internal/types"
)

type mockController struct {
	startErr error
	stopErr  error
	resetErr error
	retryErr error
	running  bool
	settings config.Settings
	calls    []string
}

func (m *mockController) Start(ctx context.Context) error {
	m.calls = append(m.calls, "start")
	if m.startErr == nil {
		m.running = true
	}
	return m.startErr
}

func (m *mockController) Stop() error {
	m.calls = append(m.calls, "stop")
	m.running = false
	return m.stopErr
}

func (m *mockController) ResetAlert() error {
	m.calls = append(m.calls, "reset")
	return m.resetErr
}

func (m *mockController) RetryAlert() error {
	m.calls = append(m.calls, "retry")
	return m.retryErr
}

func (m *mockController) Snapshot() session.Snapshot {
	state := types.Idle
	if m.running {
		state = types.Armed
	}
	return session.Snapshot{Running: m.running, State: state, StateName: state.String()}
}

func (m *mockController) Settings() config.Settings {
	return m.settings
}

func (m *mockController) SetSettings(s config.Settings) {
	m.settings = s
}

type mockLister struct {
	sessionID string
	limit     int
	incidents []*types.Incident
	err       error
}

func (m *mockLister) ListIncidents(ctx context.Context, sessionID string, limit int) ([]*types.Incident, error) {
	m.sessionID = sessionID
	m.limit = limit
	return m.incidents, m.err
}

func serve(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return resp["error"]
}

func TestSessionEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ctrl       *mockController
		wantStatus int
		wantCall   string
	}{
		{name: "start", path: "/api/session/start", ctrl: &mockController{}, wantStatus: http.StatusOK, wantCall: "start"},
		{
			name:       "start with invalid settings",
			path:       "/api/session/start",
			ctrl:       &mockController{startErr: fmt.Errorf("%w: emergency contacts are required", config.ErrInvalid)},
			wantStatus: http.StatusBadRequest,
			wantCall:   "start",
		},
		{
			name:       "start with sampler failure",
			path:       "/api/session/start",
			ctrl:       &mockController{startErr: errors.New("failed to start location sampler: no fix")},
			wantStatus: http.StatusInternalServerError,
			wantCall:   "start",
		},
		{name: "stop", path: "/api/session/stop", ctrl: &mockController{running: true}, wantStatus: http.StatusOK, wantCall: "stop"},
		{name: "stop with error", path: "/api/session/stop", ctrl: &mockController{stopErr: errors.New("boom")}, wantStatus: http.StatusOK, wantCall: "stop"},
		{name: "reset", path: "/api/alert/reset", ctrl: &mockController{}, wantStatus: http.StatusOK, wantCall: "reset"},
		{name: "reset when idle", path: "/api/alert/reset", ctrl: &mockController{resetErr: session.ErrNotRunning}, wantStatus: http.StatusConflict, wantCall: "reset"},
		{name: "retry", path: "/api/alert/retry", ctrl: &mockController{}, wantStatus: http.StatusAccepted, wantCall: "retry"},
		{name: "retry in flight", path: "/api/alert/retry", ctrl: &mockController{retryErr: session.ErrDispatchInFlight}, wantStatus: http.StatusConflict, wantCall: "retry"},
		{name: "retry not triggered", path: "/api/alert/retry", ctrl: &mockController{retryErr: session.ErrNotTriggered}, wantStatus: http.StatusConflict, wantCall: "retry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, NewHandler(tt.ctrl, nil, ""), http.MethodPost, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(tt.ctrl.calls) != 1 || tt.ctrl.calls[0] != tt.wantCall {
				t.Errorf("Expected one %s call, got %v", tt.wantCall, tt.ctrl.calls)
			}
			if rec.Code >= 400 && decodeError(t, rec) == "" {
				t.Error("Expected an error message")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	rec := serve(t, NewHandler(&mockController{running: true}, nil, ""), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if snap["running"] != true || snap["state"] != "armed" {
		t.Errorf("Unexpected status %v", snap)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, NewHandler(&mockController{}, nil, ""), http.MethodGet, "/api/session/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	base := config.DefaultSettings()
	base.SpeedLimitKmh = 60
	base.BackendURL = "https://relay.example.com"
	ctrl := &mockController{settings: base}
	h := NewHandler(ctrl, nil, path)

	rec := serve(t, h, http.MethodGet, "/api/settings", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"speed_limit_kmh":60`) {
		t.Fatalf("Unexpected settings response %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, h, http.MethodPut, "/api/settings", `{"emergency_contacts":"12345"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected invalid contacts to be rejected, got %d", rec.Code)
	}
	if ctrl.settings.Contacts != "" {
		t.Error("Rejected settings must not be applied")
	}

	rec = serve(t, h, http.MethodPut, "/api/settings", `{"user_name":"Juan","emergency_contacts":"09171234567"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.settings.UserName != "Juan" || ctrl.settings.SpeedLimitKmh != 60 {
		t.Errorf("Expected merged settings, got %+v", ctrl.settings)
	}

	saved := config.DefaultSettings()
	if err := config.LoadFile(path, &saved); err != nil {
		t.Fatalf("Settings were not saved: %v", err)
	}
	if saved.Contacts != "09171234567" {
		t.Errorf("Unexpected saved contacts %q", saved.Contacts)
	}

	rec = serve(t, h, http.MethodPut, "/api/settings", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSettings_SaveFailure(t *testing.T) {
	base := config.DefaultSettings()
	base.SpeedLimitKmh = 60
	base.BackendURL = "https://relay.example.com"
	base.Contacts = "09171234567"
	dir := filepath.Join(t.TempDir(), "missing")
	h := NewHandler(&mockController{settings: base}, nil, filepath.Join(dir, "settings.yaml"))

	rec := serve(t, h, http.MethodPut, "/api/settings", `{"user_name":"Ana"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rec.Code)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("No directory should have been created")
	}
}

func TestListIncidents(t *testing.T) {
	lat := 14.5995
	tests := []struct {
		name       string
		lister     *mockLister
		query      string
		wantStatus int
		wantLimit  int
		wantLen    int
	}{
		{
			name:       "default limit",
			lister:     &mockLister{incidents: []*types.Incident{{ID: "a", Latitude: &lat}}},
			wantStatus: http.StatusOK,
			wantLimit:  defaultIncidentLimit,
			wantLen:    1,
		},
		{name: "capped limit", lister: &mockLister{}, query: "?limit=10000&session=s1", wantStatus: http.StatusOK, wantLimit: maxIncidentLimit},
		{name: "bad limit", lister: &mockLister{}, query: "?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "store error", lister: &mockLister{err: errors.New("db down")}, wantStatus: http.StatusInternalServerError, wantLimit: defaultIncidentLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, NewHandler(&mockController{}, tt.lister, ""), http.MethodGet, "/api/incidents"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.lister.limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.lister.limit, tt.wantLimit)
			}
			if rec.Code != http.StatusOK {
				return
			}
			var got []types.Incident
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("Failed to decode incidents: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("Expected %d incidents, got %d", tt.wantLen, len(got))
			}
		})
	}
}

func TestListIncidents_NoStore(t *testing.T) {
	rec := serve(t, NewHandler(&mockController{}, nil, ""), http.MethodGet, "/api/incidents", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

type mockHistory struct {
	start, end time.Time
	rows       []*types.SystemStats
	err        error
}

func (m *mockHistory) GetSystemStats(start, end time.Time) ([]*types.SystemStats, error) {
	m.start, m.end = start, end
	return m.rows, m.err
}

func TestStats(t *testing.T) {
	current := func() *types.SystemStats { return &types.SystemStats{TotalSamples: 42} }

	tests := []struct {
		name       string
		history    *mockHistory
		query      string
		wantStatus int
		wantSpan   time.Duration
		wantLen    int
	}{
		{name: "live only", wantStatus: http.StatusOK},
		{
			name:       "default window",
			history:    &mockHistory{rows: []*types.SystemStats{{Crashes: 1}, {Crashes: 0}}},
			wantStatus: http.StatusOK,
			wantSpan:   24 * time.Hour,
			wantLen:    2,
		},
		{name: "capped window", history: &mockHistory{}, query: "?hours=100000", wantStatus: http.StatusOK, wantSpan: maxStatsHours * time.Hour},
		{name: "bad hours", history: &mockHistory{}, query: "?hours=-1", wantStatus: http.StatusBadRequest},
		{name: "store error", history: &mockHistory{err: errors.New("db down")}, wantStatus: http.StatusInternalServerError, wantSpan: 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockController{}, nil, "")
			if tt.history != nil {
				h.WithStats(current, tt.history)
			} else {
				h.WithStats(current, nil)
			}
			rec := serve(t, h, http.MethodGet, "/api/stats"+tt.query, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.history != nil && tt.wantSpan > 0 {
				if span := tt.history.end.Sub(tt.history.start); span != tt.wantSpan {
					t.Errorf("Queried %v, want %v", span, tt.wantSpan)
				}
			}
			if rec.Code != http.StatusOK {
				return
			}
			var resp struct {
				Current types.SystemStats    `json:"current"`
				History []*types.SystemStats `json:"history"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode stats: %v", err)
			}
			if resp.Current.TotalSamples != 42 {
				t.Errorf("Expected live counters, got %+v", resp.Current)
			}
			if resp.History == nil || len(resp.History) != tt.wantLen {
				t.Errorf("Expected %d history rows, got %v", tt.wantLen, resp.History)
			}
		})
	}
}

func TestStats_Disabled(t *testing.T) {
	rec := serve(t, NewHandler(&mockController{}, nil, ""), http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestWebSocketRoute(t *testing.T) {
	called := false
	ws := func(w http.ResponseWriter, r *http.Request) { called = true }
	rec := httptest.NewRecorder()
	NewRouter(NewHandler(&mockController{}, nil, ""), ws).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !called {
		t.Error("Expected /ws to reach the stream handler")
	}
}
