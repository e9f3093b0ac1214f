// Package relay submits crash alerts to the SMS relay backend.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/saviobatista/crash-alert/internal/types"
)

// Request is the body posted to /api/send-<provider>
type Request struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

// Response is the success body of the relay
type Response struct {
	Result []types.RelayResult `json:"result"`
}

// Error is a failed relay call. StatusCode is 0 for transport failures.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// Client posts alerts to a relay
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a relay client for {baseURL}/api/send-{provider} with an
// explicit request timeout.
func NewClient(baseURL, provider string, timeout time.Duration) *Client {
	return &Client{
		endpoint: fmt.Sprintf("%s/api/send-%s", strings.TrimRight(baseURL, "/"), provider),
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the URL alerts are posted to
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Send makes a single POST attempt. Any failure is returned as *Error.
func (c *Client) Send(ctx context.Context, recipients []string, message string) ([]types.RelayResult, error) {
	payload, err := json.Marshal(Request{Recipients: recipients, Message: message})
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("network error: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: ExtractError(resp.StatusCode, body)}
	}

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if parsed.Result == nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "malformed response: missing result"}
	}
	return parsed.Result, nil
}

// extractor pulls an error string out of a generic JSON body
type extractor func(body map[string]any) (string, bool)

// extractors run in order; the first non-empty string wins
var extractors = []extractor{
	firstResultError,
	stringField("error"),
	stringField("message"),
}

func firstResultError(body map[string]any) (string, bool) {
	results, ok := body["result"].([]any)
	if !ok || len(results) == 0 {
		return "", false
	}
	first, ok := results[0].(map[string]any)
	if !ok {
		return "", false
	}
	return stringField("error")(first)
}

func stringField(key string) extractor {
	return func(body map[string]any) (string, bool) {
		s, ok := body[key].(string)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}
}

// ExtractError returns the most specific error text in body, falling back to
// "HTTP <status>".
func ExtractError(status int, body []byte) string {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err == nil {
		for _, extract := range extractors {
			if msg, ok := extract(generic); ok {
				return msg
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// Count tallies per-recipient outcomes
func Count(results []types.RelayResult) (sent, failed int) {
	for _, r := range results {
		if r.Success {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}
