// Package sms talks to the SMS gateways the backend relays alerts through.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// DefaultPhilSMSEndpoint is the PhilSMS v3 send endpoint
const DefaultPhilSMSEndpoint = "https://app.philsms.com/api/v3/sms/send"

// Provider sends one message to a batch of canonical numbers
type Provider interface {
	Name() string
	Send(ctx context.Context, recipients []string, message string) (json.RawMessage, error)
}

// Error is a failed gateway call. StatusCode is 0 when the gateway could not
// be reached; BadReply is set when the gateway answered with something other
// than JSON.
type Error struct {
	StatusCode int
	Message    string
	BadReply   bool
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus maps a gateway failure onto the status returned to the caller
func (e *Error) HTTPStatus() int {
	switch {
	case e.BadReply:
		return http.StatusBadGateway
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type philSMSRequest struct {
	Recipient string `json:"recipient"`
	SenderID  string `json:"sender_id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

type philSMSReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PhilSMS is the PhilSMS gateway client
type PhilSMS struct {
	endpoint string
	token    string
	senderID string
	http     *http.Client
}

// NewPhilSMS creates a PhilSMS client. An empty endpoint uses the public API.
func NewPhilSMS(endpoint, token, senderID string, timeout time.Duration) *PhilSMS {
	if endpoint == "" {
		endpoint = DefaultPhilSMSEndpoint
	}
	return &PhilSMS{
		endpoint: endpoint,
		token:    token,
		senderID: senderID,
		http:     &http.Client{Timeout: timeout},
	}
}

func (p *PhilSMS) Name() string {
	return "philsms"
}

// Send posts a plain message to all recipients in one request and returns
// the gateway reply.
func (p *PhilSMS) Send(ctx context.Context, recipients []string, message string) (json.RawMessage, error) {
	payload, err := json.Marshal(philSMSRequest{
		Recipient: strings.Join(recipients, ","),
		SenderID:  p.senderID,
		Type:      "plain",
		Message:   message,
	})
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("Backend Error: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("Backend Error: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("Backend Error: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("Backend Error: %v", err)}
	}

	var reply philSMSReply
	if err := json.Unmarshal(body, &reply); err != nil {
		log.Printf("Failed to parse PhilSMS reply: status %d, body: %s", resp.StatusCode, body)
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("PhilSMS API returned unexpected response (Status %d). Check backend logs.", resp.StatusCode),
			BadReply:   true,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || reply.Status != "success" {
		msg := reply.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if msg == "" {
			msg = "Unknown API error"
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: "PhilSMS Error: " + msg}
	}

	return json.RawMessage(body), nil
}
