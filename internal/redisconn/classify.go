package redisconn

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/chatcart/chatcart/pkg/errors"
)

// ClassifyRedisError converts a raw go-redis error into the typed taxonomy
// at the boundary where it is first observed. Interior logic branches on
// the error type, never on message text.
func ClassifyRedisError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("redis operation").WithCause(err)
	}

	if stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) {
		return errors.NewConnectionError("redis connection refused or reset").
			WithDetail("kind", "reset").
			WithCause(err)
	}

	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return errors.NewConnectionError("redis network error").
			WithDetail("op", opErr.Op).
			WithCause(err)
	}

	// Serverless Redis providers report quota exhaustion only as an error
	// string; this is the one place it is parsed.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "max requests limit exceeded") ||
		strings.Contains(msg, "max daily request limit exceeded") ||
		strings.Contains(msg, "quota exceeded") {
		return errors.NewRateLimitError("redis request quota exhausted", NextHourReset(time.Now())).
			WithCause(err)
	}

	return errors.NewConnectionError("redis operation failed").WithCause(err)
}

// IsResetError reports whether the error is a refused/reset connection
// failure that should surface immediately instead of being retried in-call.
func IsResetError(err error) bool {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errors.ErrorTypeConnection && appErr.Details["kind"] == "reset"
}

// NextHourReset returns the next top-of-hour after now, the default window
// for providers that reset request quotas hourly.
func NextHourReset(now time.Time) time.Time {
	return now.Truncate(time.Hour).Add(time.Hour)
}
