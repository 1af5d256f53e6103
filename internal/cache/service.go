package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
)

// Ops is the slice of the connection manager the cache needs
type Ops interface {
	SafeOperation(ctx context.Context, purpose redisconn.Purpose, fn func(ctx context.Context, conn redisconn.Conn) (interface{}, error)) redisconn.Outcome
}

// Stats counts cache activity. Degraded counts operations that were skipped
// because the backend was rate limited or disabled.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Degraded uint64 `json:"degraded"`
}

// Service is a read-through cache that degrades instead of failing: while
// the backend is rate limited, reads report a miss and writes are dropped,
// so callers fall back to their source of truth without error handling for
// quota windows.
type Service struct {
	ops        Ops
	defaultTTL time.Duration
	logger     *logging.Logger

	hits     uint64
	misses   uint64
	degraded uint64
}

// NewService creates a cache service on the given connection manager
func NewService(ops Ops, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Service{
		ops:        ops,
		defaultTTL: defaultTTL,
		logger:     logging.GetLogger(),
	}
}

// Get returns the cached value for key. found is false on a genuine miss
// and on a degraded (rate-limited) backend; err carries only real failures.
func (s *Service) Get(ctx context.Context, key string) (value string, found bool, err error) {
	out := s.ops.SafeOperation(ctx, redisconn.PurposeCache, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
		val, err := conn.Get(ctx, key)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return val, nil
	})

	if out.Skipped {
		atomic.AddUint64(&s.degraded, 1)
		s.logger.Debug("Cache degraded, treating read as miss", "key", key)
		return "", false, nil
	}
	if !out.OK {
		return "", false, out.Err
	}
	if out.Result == nil {
		atomic.AddUint64(&s.misses, 1)
		return "", false, nil
	}

	atomic.AddUint64(&s.hits, 1)
	return out.Result.(string), true, nil
}

// Set stores a value. A degraded backend makes Set a silent no-op; the
// entry is simply not cached.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	out := s.ops.SafeOperation(ctx, redisconn.PurposeCache, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
		return nil, conn.Set(ctx, key, value, ttl)
	})

	if out.Skipped {
		atomic.AddUint64(&s.degraded, 1)
		s.logger.Debug("Cache degraded, dropping write", "key", key)
		return nil
	}
	return out.Err
}

// Delete removes a key. Degrades to a no-op like Set.
func (s *Service) Delete(ctx context.Context, key string) error {
	out := s.ops.SafeOperation(ctx, redisconn.PurposeCache, func(ctx context.Context, conn redisconn.Conn) (interface{}, error) {
		return conn.Del(ctx, key)
	})

	if out.Skipped {
		atomic.AddUint64(&s.degraded, 1)
		return nil
	}
	return out.Err
}

// GetJSON reads and decodes a cached JSON value into dest
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, errors.NewInternalError("failed to decode cached value").WithCause(err)
	}
	return true, nil
}

// SetJSON encodes and stores a value as JSON
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to encode value for cache").WithCause(err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// Stats returns a snapshot of cache activity
func (s *Service) Stats() Stats {
	return Stats{
		Hits:     atomic.LoadUint64(&s.hits),
		Misses:   atomic.LoadUint64(&s.misses),
		Degraded: atomic.LoadUint64(&s.degraded),
	}
}
