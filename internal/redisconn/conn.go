package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
)

// Purpose is the logical category a pooled connection is dedicated to
type Purpose string

const (
	PurposeHealthCheck Purpose = "health_check"
	PurposeRateLimiter Purpose = "rate_limiter"
	PurposeCache       Purpose = "cache"
	PurposeQueue       Purpose = "queue"
	PurposeSessions    Purpose = "sessions"
)

// Status is the lifecycle state of a managed connection
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ConnInfo tracks the health of a managed connection
type ConnInfo struct {
	Status            Status    `json:"status"`
	ConnectedAt       time.Time `json:"connected_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	HealthScore       int       `json:"health_score"`
}

// Conn is the surface the manager and its consumers need from a backend
// connection: a liveness probe, the read/write/delete primitives used for
// validation, and the list operations the queue runs on.
type Conn interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	LPush(ctx context.Context, key string, values ...interface{}) error
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Close() error
}

// redisConn wraps a go-redis client with typed error mapping
type redisConn struct {
	client *redis.Client
}

// dialRedis creates and pings a Redis client dedicated to one purpose
func dialRedis(ctx context.Context, cfg *config.RedisConfig, purpose Purpose, poolSize int, timeout time.Duration) (Conn, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,

		DialTimeout:  timeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		// The manager owns retry and backoff decisions
		MaxRetries: -1,
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, ClassifyRedisError(err)
	}

	return &redisConn{client: client}, nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return ClassifyRedisError(err)
	}
	return nil
}

func (c *redisConn) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("key")
		}
		return "", ClassifyRedisError(err)
	}
	return val, nil
}

func (c *redisConn) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ClassifyRedisError(err)
	}
	return nil
}

func (c *redisConn) Del(ctx context.Context, keys ...string) (int64, error) {
	count, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, ClassifyRedisError(err)
	}
	return count, nil
}

func (c *redisConn) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := c.client.LPush(ctx, key, values...).Err(); err != nil {
		return ClassifyRedisError(err)
	}
	return nil
}

func (c *redisConn) RPop(ctx context.Context, key string) (string, error) {
	val, err := c.client.RPop(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", errors.NewNotFoundError("list element")
		}
		return "", ClassifyRedisError(err)
	}
	return val, nil
}

func (c *redisConn) LLen(ctx context.Context, key string) (int64, error) {
	length, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, ClassifyRedisError(err)
	}
	return length, nil
}

func (c *redisConn) Close() error {
	return c.client.Close()
}
