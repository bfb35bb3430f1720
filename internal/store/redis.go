package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Key prefixes for Redis storage
	healthPrefix  = "health:"
	metricsPrefix = "metrics:"

	// Request count kinds
	ProxyRequests  = "proxy_requests"
	HealthRequests = "health_requests"
)

// EndpointHealth represents the last known health of a single RPC endpoint.
type EndpointHealth struct {
	URL         string    `json:"url"`          // Endpoint URL this record describes
	Healthy     bool      `json:"healthy"`      // Whether the endpoint passed its last probe
	LastChecked time.Time `json:"last_checked"` // When the last probe was performed
	Checks      int64     `json:"checks"`       // Total number of probes recorded
}

// NewEndpointHealth creates a health record for an endpoint that has never
// been probed. Unprobed endpoints are treated as healthy so that a fresh
// deployment can dispatch before the first checker pass completes.
func NewEndpointHealth(url string) EndpointHealth {
	return EndpointHealth{
		URL:     url,
		Healthy: true,
	}
}

// Client defines the store operations used by the directory, the health
// checker and the EVM pool. Kept as an interface so tests can substitute
// the in-memory implementation.
type Client interface {
	GetEndpointHealth(ctx context.Context, chainID, url string) (*EndpointHealth, error)
	UpdateEndpointHealth(ctx context.Context, chainID string, health EndpointHealth) error
	IncrementRequestCount(ctx context.Context, chainID, url, kind string) error
	GetRequestCount(ctx context.Context, chainID, url, kind string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisClient wraps the go-redis client with the health store methods.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a Redis-backed store with connection pooling,
// timeouts and retry settings suitable for production use.
func NewRedisClient(addr, password string, skipTLSVerify, useTLS bool) *RedisClient {
	var tlsConfig *tls.Config
	if useTLS {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: skipTLSVerify,
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		TLSConfig:       tlsConfig,
		MinIdleConns:    10,
		PoolSize:        100,
		PoolTimeout:     4 * time.Second,
		MaxRetries:      3,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	return &RedisClient{client: client}
}

// Ping checks the Redis connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection and releases all resources.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// UpdateEndpointHealth stores the health record of an endpoint under the key
// pattern "health:{chain}:{url}". The record has no expiration; a stale
// record is preferable to an absent one because absence reads as healthy.
func (r *RedisClient) UpdateEndpointHealth(ctx context.Context, chainID string, health EndpointHealth) error {
	key := healthPrefix + chainID + ":" + health.URL
	data, err := json.Marshal(health)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, 0).Err()
}

// GetEndpointHealth retrieves the health record of an endpoint. A missing
// record is initialized to the never-probed default and written back.
func (r *RedisClient) GetEndpointHealth(ctx context.Context, chainID, url string) (*EndpointHealth, error) {
	key := healthPrefix + chainID + ":" + url
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		health := NewEndpointHealth(url)
		if err := r.UpdateEndpointHealth(ctx, chainID, health); err != nil {
			return nil, err
		}
		return &health, nil
	}
	if err != nil {
		return nil, err
	}

	var health EndpointHealth
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// IncrementRequestCount increments the counter for an endpoint and request
// kind ("proxy_requests" or "health_requests").
func (r *RedisClient) IncrementRequestCount(ctx context.Context, chainID, url, kind string) error {
	key := metricsPrefix + chainID + ":" + url + ":" + kind
	return r.client.Incr(ctx, key).Err()
}

// GetRequestCount returns the counter for an endpoint and request kind.
// A missing counter reads as zero.
func (r *RedisClient) GetRequestCount(ctx context.Context, chainID, url, kind string) (int64, error) {
	key := metricsPrefix + chainID + ":" + url + ":" + kind
	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}
