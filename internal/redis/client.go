package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/saviobatista/crash-alert/internal/status"
	"github.com/saviobatista/crash-alert/internal/types"
)

const (
	KeyStatus = "status:current"
	KeyImpact = "impact:latest"

	statusTTL = 24 * time.Hour
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Client manages Redis connections and operations
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// setData marshals value and stores it under key
func (c *Client) setData(ctx context.Context, key string, value interface{}, ttl time.Duration, dataType string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", dataType, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", dataType, err)
	}
	return nil
}

// getData retrieves data from Redis and unmarshals it into the target.
// It reports false when the key does not exist.
func (c *Client) getData(ctx context.Context, key string, target interface{}, dataType string) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil // Data not found
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s data: %w", dataType, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s data: %w", dataType, err)
	}

	return true, nil
}

// SaveStatus caches the latest monitor view
func (c *Client) SaveStatus(ctx context.Context, view status.View) error {
	return c.setData(ctx, KeyStatus, view, statusTTL, "status")
}

// GetStatus returns the cached monitor view, or nil when none is cached
func (c *Client) GetStatus(ctx context.Context) (*status.View, error) {
	var view status.View
	found, err := c.getData(ctx, KeyStatus, &view, "status")
	if err != nil || !found {
		return nil, err
	}
	return &view, nil
}

// ClearStatus removes the cached monitor view
func (c *Client) ClearStatus(ctx context.Context) error {
	return c.client.Del(ctx, KeyStatus).Err()
}

// SaveImpact stores the latest helmet impact report. It never expires.
func (c *Client) SaveImpact(ctx context.Context, report types.ImpactReport) error {
	return c.setData(ctx, KeyImpact, report, 0, "impact")
}

// LatestImpact returns the stored report, or an all-false report when the
// helmet has not reported yet.
func (c *Client) LatestImpact(ctx context.Context) (types.ImpactReport, error) {
	var report types.ImpactReport
	if _, err := c.getData(ctx, KeyImpact, &report, "impact"); err != nil {
		return types.ImpactReport{}, err
	}
	return report, nil
}
