package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatcart/chatcart/internal/redisconn"
	"github.com/chatcart/chatcart/pkg/errors"
)

// fakeOps backs the cache with an in-memory map and lets tests flip the
// backend into a rate-limited state.
type fakeOps struct {
	mu    sync.Mutex
	store map[string]string
	skip  error
}

func newFakeOps() *fakeOps {
	return &fakeOps{store: make(map[string]string)}
}

func (f *fakeOps) setSkip(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skip = err
}

func (f *fakeOps) SafeOperation(ctx context.Context, purpose redisconn.Purpose, fn func(ctx context.Context, conn redisconn.Conn) (interface{}, error)) redisconn.Outcome {
	f.mu.Lock()
	skip := f.skip
	f.mu.Unlock()

	if skip != nil {
		return redisconn.Outcome{Skipped: true, Reason: redisconn.ReasonRateLimited, Err: skip}
	}

	result, err := fn(ctx, f)
	if err != nil {
		return redisconn.Outcome{Reason: redisconn.ReasonOperationFailed, Err: err}
	}
	return redisconn.Outcome{OK: true, Result: result}
}

func (f *fakeOps) Ping(ctx context.Context) error { return nil }

func (f *fakeOps) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.store[key]
	if !ok {
		return "", errors.NewNotFoundError("key")
	}
	return val, nil
}

func (f *fakeOps) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = value.(string)
	return nil
}

func (f *fakeOps) Del(ctx context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.store[key]; ok {
			delete(f.store, key)
			n++
		}
	}
	return n, nil
}

func (f *fakeOps) LPush(ctx context.Context, key string, values ...interface{}) error {
	return nil
}

func (f *fakeOps) RPop(ctx context.Context, key string) (string, error) {
	return "", errors.NewNotFoundError("list element")
}

func (f *fakeOps) LLen(ctx context.Context, key string) (int64, error) { return 0, nil }

func (f *fakeOps) Close() error { return nil }

func TestService_SetGetDelete(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "profile:123", "alice", 0))

	val, found, err := svc.Get(ctx, "profile:123")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", val)

	require.NoError(t, svc.Delete(ctx, "profile:123"))

	_, found, err = svc.Get(ctx, "profile:123")
	require.NoError(t, err)
	assert.False(t, found)

	stats := svc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(0), stats.Degraded)
}

func TestService_DegradedReadsAreMisses(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	ops.setSkip(errors.NewRateLimitError("quota exhausted", time.Now().Add(time.Hour)))

	val, found, err := svc.Get(ctx, "k")
	require.NoError(t, err, "degraded read must not surface an error")
	assert.False(t, found)
	assert.Empty(t, val)
	assert.Equal(t, uint64(1), svc.Stats().Degraded)
}

func TestService_DegradedWritesAreDropped(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, time.Minute)
	ctx := context.Background()

	ops.setSkip(errors.NewRateLimitError("quota exhausted", time.Now().Add(time.Hour)))
	require.NoError(t, svc.Set(ctx, "k", "v", 0))
	require.NoError(t, svc.Delete(ctx, "k"))

	ops.setSkip(nil)
	_, found, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "dropped write must not appear after recovery")
}

func TestService_JSONRoundTrip(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, time.Minute)
	ctx := context.Background()

	type profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	require.NoError(t, svc.SetJSON(ctx, "profile:1", profile{ID: "1", Name: "alice"}, 0))

	var got profile
	found, err := svc.GetJSON(ctx, "profile:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got.Name)

	var missing profile
	found, err = svc.GetJSON(ctx, "profile:2", &missing)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestService_CorruptCachedJSON(t *testing.T) {
	ops := newFakeOps()
	svc := NewService(ops, time.Minute)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "bad", "{not json", 0))

	var dest map[string]string
	_, err := svc.GetJSON(ctx, "bad", &dest)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}
