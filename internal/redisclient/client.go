package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	extendScript  *redis.Script
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

	return newWithRDB(rdb), nil
}

// NewClientWithRDB wraps an existing redis client. Used by tests with
// miniature or mocked backends.
func NewClientWithRDB(rdb *redis.Client) *Client {
	return newWithRDB(rdb)
}

func newWithRDB(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		extendScript:  redis.NewScript(extendLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// FulfillmentLock is a held per-reservation lock. The owner token guards
// against releasing a lock that expired and was re-acquired elsewhere.
type FulfillmentLock struct {
	client *Client
	key    string
	token  string
}

// AcquireFulfillmentLock takes the per-reservation mutual-exclusion lock that
// serializes mint attempts across processes (webhook, poll, worker, user
// claim). Returns nil when another holder is in flight.
func (c *Client) AcquireFulfillmentLock(ctx context.Context, reservationID string, ttl time.Duration) (*FulfillmentLock, error) {
	key := fmt.Sprintf("fulfill-lock:%s", reservationID)
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire fulfillment lock: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return &FulfillmentLock{client: c, key: key, token: token}, nil
}

// Release releases the lock if this holder still owns it.
func (l *FulfillmentLock) Release(ctx context.Context) error {
	_, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("release fulfillment lock: %w", err)
	}
	return nil
}

// Extend pushes the lock's expiry out for long-running mints. Returns false
// when the lock has already expired and been lost.
func (l *FulfillmentLock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	result, err := l.client.extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("extend fulfillment lock: %w", err)
	}
	extended, _ := result.(int64)
	return extended == 1, nil
}
