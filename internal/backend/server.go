// Package backend is the relay and helmet-impact HTTP service. The helmet
// posts its sensor vector here, the monitor polls it back, and alerts are
// relayed to an SMS provider.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saviobatista/crash-alert/internal/contacts"
	"github.com/saviobatista/crash-alert/internal/sms"
	"github.com/saviobatista/crash-alert/internal/types"
)

const maxBodySize = 64 << 10

// ImpactStore keeps the latest helmet report (implemented by *redis.Client)
type ImpactStore interface {
	SaveImpact(ctx context.Context, report types.ImpactReport) error
	LatestImpact(ctx context.Context) (types.ImpactReport, error)
}

// MemoryImpactStore is an ImpactStore for a single backend instance
type MemoryImpactStore struct {
	mu     sync.RWMutex
	report types.ImpactReport
}

func (m *MemoryImpactStore) SaveImpact(ctx context.Context, report types.ImpactReport) error {
	m.mu.Lock()
	m.report = report
	m.mu.Unlock()
	return nil
}

func (m *MemoryImpactStore) LatestImpact(ctx context.Context) (types.ImpactReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report, nil
}

// Server holds the backend handlers
type Server struct {
	impacts   ImpactStore
	providers map[string]sms.Provider
	now       func() time.Time
}

// NewServer creates a server relaying through the given providers. Each
// provider is mounted at /api/send-<name>.
func NewServer(impacts ImpactStore, providers ...sms.Provider) *Server {
	s := &Server{
		impacts:   impacts,
		providers: make(map[string]sms.Provider, len(providers)),
		now:       time.Now,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Router returns the HTTP routes
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)

	r.Get("/", s.handleRoot)
	r.Post("/api/impact", s.handleImpact)
	r.Get("/api/latest-impact", s.handleLatestImpact)
	r.Post("/api/send-{provider}", s.handleSend)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "Crash alert backend (SMS relay + helmet impact) is running!")
}

// decodeBody reads the whole request body as a single JSON value.
// Anything after that value is an error.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	var state types.ImpactState
	if err := decodeBody(w, r, &state); err != nil {
		log.Printf("Warning: invalid impact payload: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": "Invalid data format. Expecting a JSON array with 4 boolean elements.",
		})
		return
	}

	now := s.now().UTC()
	if err := s.impacts.SaveImpact(r.Context(), types.ImpactReport{ImpactState: state, LastUpdated: &now}); err != nil {
		log.Printf("Failed to store impact state: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to store impact state."})
		return
	}

	if state.Any() {
		log.Printf("Helmet %s", state)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Impact array received successfully",
		"state":   state,
	})
}

func (s *Server) handleLatestImpact(w http.ResponseWriter, r *http.Request) {
	report, err := s.impacts.LatestImpact(r.Context())
	if err != nil {
		log.Printf("Failed to load impact state: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Failed to load impact state."})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type sendRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

type sendResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Number  string          `json:"number"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, ok := s.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown SMS provider: " + name})
		return
	}

	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Printf("Warning: invalid send request: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required data (recipients, message)."})
		return
	}
	if len(req.Recipients) == 0 || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required data (recipients, message)."})
		return
	}

	numbers := contacts.NormalizeAll(req.Recipients)
	if len(numbers) < len(req.Recipients) {
		log.Printf("Warning: skipped %d recipient(s) with an invalid number format", len(req.Recipients)-len(numbers))
	}
	if len(numbers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No valid recipient numbers found after formatting."})
		return
	}
	joined := strings.Join(numbers, ",")

	log.Printf("Relaying alert to %s via %s", joined, name)
	details, err := provider.Send(r.Context(), numbers, req.Message)
	if err != nil {
		status := http.StatusInternalServerError
		var smsErr *sms.Error
		if errors.As(err, &smsErr) {
			status = smsErr.HTTPStatus()
		}
		log.Printf("Failed to relay alert via %s: %v", name, err)
		writeJSON(w, status, map[string][]sendResult{
			"result": {{Success: false, Error: err.Error(), Number: joined}},
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string][]sendResult{
		"result": {{Success: true, Details: details, Number: joined}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// allowCORS lets the phone page and the helmet call the backend from any origin
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
