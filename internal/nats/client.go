package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saviobatista/crash-alert/internal/types"
)

const (
	SubjectSamples     = "crash.samples"
	SubjectLocationFix = "crash.location.fix"
	SubjectAlarm       = "crash.alarm"
	SubjectIncidents   = "crash.incidents"

	StreamIncidents = "CRASH_INCIDENTS"
)

// Client represents a NATS client
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a new NATS client
func New(url string) (*Client, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamIncidents,
		Subjects: []string{SubjectIncidents},
		Storage:  nats.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	})
	if err != nil && !strings.Contains(err.Error(), "stream name already in use") {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &Client{
		conn: nc,
		js:   js,
	}, nil
}

// PublishLocation publishes a location update on the sample feed
func (c *Client) PublishLocation(update *types.LocationUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal location update: %w", err)
	}

	if err := c.conn.Publish(SubjectSamples, data); err != nil {
		return fmt.Errorf("failed to publish location update: %w", err)
	}
	return nil
}

// SubscribeLocation subscribes to the sample feed. The returned function
// unsubscribes.
func (c *Client) SubscribeLocation(handler func(*types.LocationUpdate)) (func() error, error) {
	sub, err := c.conn.Subscribe(SubjectSamples, func(msg *nats.Msg) {
		var update types.LocationUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			fmt.Printf("Error unmarshaling location update: %v\n", err)
			return
		}
		handler(&update)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return sub.Unsubscribe, nil
}

// RequestFix asks the location provider for a one-shot fix
func (c *Client) RequestFix(ctx context.Context, req types.FixRequest) (*types.LocationUpdate, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fix request: %w", err)
	}

	msg, err := c.conn.RequestWithContext(ctx, SubjectLocationFix, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fix request failed: %w", ctxErr)
		}
		return nil, fmt.Errorf("fix request failed: %w", err)
	}

	var update types.LocationUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fix reply: %w", err)
	}
	return &update, nil
}

// ServeFixRequests answers fix requests with handler until the returned
// function is called.
func (c *Client) ServeFixRequests(handler func(types.FixRequest) *types.LocationUpdate) (func() error, error) {
	sub, err := c.conn.Subscribe(SubjectLocationFix, func(msg *nats.Msg) {
		var req types.FixRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			fmt.Printf("Error unmarshaling fix request: %v\n", err)
			return
		}
		data, err := json.Marshal(handler(req))
		if err != nil {
			fmt.Printf("Error marshaling fix reply: %v\n", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			fmt.Printf("Error responding to fix request: %v\n", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return sub.Unsubscribe, nil
}

// PublishAlarm publishes a speeding alarm command for the phone
func (c *Client) PublishAlarm(cmd *types.AlarmCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm command: %w", err)
	}

	if err := c.conn.Publish(SubjectAlarm, data); err != nil {
		return fmt.Errorf("failed to publish alarm command: %w", err)
	}
	return nil
}

// PublishIncident publishes a crash incident to the durable stream
func (c *Client) PublishIncident(incident *types.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}

	_, err = c.js.Publish(SubjectIncidents, data)
	if err != nil {
		return fmt.Errorf("failed to publish incident: %w", err)
	}

	return nil
}

// SubscribeIncidents subscribes to crash incidents
func (c *Client) SubscribeIncidents(handler func(*types.Incident)) error {
	_, err := c.js.Subscribe(SubjectIncidents, func(msg *nats.Msg) {
		var incident types.Incident
		if err := json.Unmarshal(msg.Data, &incident); err != nil {
			fmt.Printf("Error unmarshaling incident: %v\n", err)
			return
		}
		handler(&incident)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
