package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/remember_order.lua
var rememberOrderScript string

// ErrSessionNotFound is returned when a session token is unknown or expired
var ErrSessionNotFound = errors.New("session not found")

type Client struct {
	rdb            *redis.Client
	releaseScript  *redis.Script
	rememberScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		releaseScript:  redis.NewScript(releaseLockScript),
		rememberScript: redis.NewScript(rememberOrderScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireLock takes a lock owned by a fresh token. ok is false when someone
// else holds it
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	return token, ok, nil
}

// ReleaseLock releases the lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// GetIdempotencyKey returns the order id stored for key, or "" if none
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetIdempotencyKey binds key to orderID unless it is already bound
func (c *Client) SetIdempotencyKey(ctx context.Context, key, orderID string, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	owner, err := c.rememberScript.Run(ctx, c.rdb, []string{fmt.Sprintf("idempotency:%s", key)}, orderID, seconds).Text()
	if err != nil {
		return fmt.Errorf("remember order script failed: %w", err)
	}
	if owner != orderID {
		return fmt.Errorf("idempotency key %s already bound to order %s", key, owner)
	}
	return nil
}

// ResolveSession maps an opaque session token to a role and subject id.
// Sessions are written by the identity service as "<role>:<id>"
func (c *Client) ResolveSession(ctx context.Context, token string) (role, id string, err error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("session:%s", token)).Result()
	if err == redis.Nil {
		return "", "", ErrSessionNotFound
	}
	if err != nil {
		return "", "", err
	}

	role, id, found := strings.Cut(val, ":")
	if !found || id == "" {
		return "", "", fmt.Errorf("malformed session value for token")
	}
	return role, id, nil
}
