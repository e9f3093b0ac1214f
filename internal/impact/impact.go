// Package impact polls the backend for the latest helmet impact state.
package impact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// maxPollTimeout caps the per-request timeout of a single poll
const maxPollTimeout = 5 * time.Second

// Report is the body served by GET /api/latest-impact
type Report struct {
	ImpactState *types.ImpactState `json:"impactState"`
	LastUpdated *time.Time         `json:"lastUpdated"`
}

// Client reads the latest impact state
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Latest fetches the current impact state
func (c *Client) Latest(ctx context.Context) (types.ImpactState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/latest-impact", nil)
	if err != nil {
		return types.ImpactState{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.ImpactState{}, fmt.Errorf("failed to fetch impact state: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return types.ImpactState{}, fmt.Errorf("failed to read impact state: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.ImpactState{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return types.ImpactState{}, fmt.Errorf("invalid impact data: %w", err)
	}
	if report.ImpactState == nil {
		return types.ImpactState{}, fmt.Errorf("invalid impact data: missing impactState")
	}
	return *report.ImpactState, nil
}

// Source is anything that can report the latest impact state
type Source interface {
	Latest(ctx context.Context) (types.ImpactState, error)
}

// Handler receives poll outcomes. Either field may be nil.
type Handler struct {
	OnState func(types.ImpactState)
	OnError func(error)
}

// Receiver polls a Source on a fixed interval
type Receiver struct {
	source   Source
	interval time.Duration
}

// NewReceiver creates a receiver polling source every interval
func NewReceiver(source Source, interval time.Duration) *Receiver {
	return &Receiver{source: source, interval: interval}
}

// Run polls immediately and then on every tick until ctx is done. Failures
// are reported and polling continues without backoff.
func (r *Receiver) Run(ctx context.Context, h Handler) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.poll(ctx, h)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Receiver) poll(ctx context.Context, h Handler) {
	timeout := r.interval
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := r.source.Latest(pollCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return
	}
	if h.OnState != nil {
		h.OnState(state)
	}
}
