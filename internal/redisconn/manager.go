package redisconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatcart/chatcart/pkg/config"
	"github.com/chatcart/chatcart/pkg/errors"
	"github.com/chatcart/chatcart/pkg/logging"
	"github.com/chatcart/chatcart/pkg/resilience"
)

// Outcome reasons reported by SafeOperation
const (
	ReasonRateLimited      = "rate_limited"
	ReasonConnectionFailed = "connection_failed"
	ReasonOperationFailed  = "operation_failed"
)

// Health scoring bounds. A successful probe nudges the score up, a failed
// one pushes it down harder, and a connection is demoted to error once it
// crosses the low-water mark.
const (
	healthScoreMax       = 100
	healthProbeReward    = 5
	healthProbePenalty   = 10
	healthErrorWatermark = 20
)

// DialFunc creates a connection for a purpose. Swapped out in tests.
type DialFunc func(ctx context.Context, purpose Purpose) (Conn, error)

// Outcome normalizes the result of SafeOperation. Skipped is true exactly
// when the operation was not attempted because the backend is rate limited
// or disabled, so callers can tell "nothing to retry" from a retry-worthy
// failure.
type Outcome struct {
	OK      bool
	Result  interface{}
	Reason  string
	Skipped bool
	Err     error
}

// creation is the single-flight record for an in-progress connection
// attempt; concurrent callers for the same purpose wait on done and share
// the result.
type creation struct {
	done chan struct{}
	conn Conn
	err  error
}

// Manager issues and caches one pooled connection per purpose, tracks
// connection health, and refuses to create connections while the
// process-wide rate-limit window is active.
type Manager struct {
	redisCfg *config.RedisConfig
	cfg      config.ResilienceConfig
	backoff  *resilience.BackoffController
	logger   *logging.Logger

	mu               sync.Mutex
	conns            map[Purpose]Conn
	info             map[Purpose]*ConnInfo
	inflight         map[Purpose]*creation
	rateLimitResetAt time.Time
	reenableTimer    *time.Timer
	closed           bool

	dial DialFunc

	stopCh    chan struct{}
	loopDone  chan struct{}
	loopStart sync.Once
}

// NewManager creates a connection manager. The backoff controller is
// consulted before any connection creation; pass the controller that
// receives this backend's quota signals.
func NewManager(redisCfg *config.RedisConfig, cfg config.ResilienceConfig, backoff *resilience.BackoffController) *Manager {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}

	m := &Manager{
		redisCfg: redisCfg,
		cfg:      cfg,
		backoff:  backoff,
		logger:   logging.GetLogger(),
		conns:    make(map[Purpose]Conn),
		info:     make(map[Purpose]*ConnInfo),
		inflight: make(map[Purpose]*creation),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	m.dial = m.defaultDial
	return m
}

// defaultDial creates a Redis client sized for the purpose
func (m *Manager) defaultDial(ctx context.Context, purpose Purpose) (Conn, error) {
	return dialRedis(ctx, m.redisCfg, purpose, m.poolSizeFor(purpose), m.cfg.ConnectionTimeout)
}

// poolSizeFor keeps auxiliary purposes on minimal pools so business traffic
// gets the connection budget.
func (m *Manager) poolSizeFor(purpose Purpose) int {
	switch purpose {
	case PurposeHealthCheck, PurposeRateLimiter:
		return 1
	default:
		size := m.redisCfg.PoolSize
		if size <= 0 || size > m.cfg.MaxConnections {
			size = m.cfg.MaxConnections
		}
		return size
	}
}

// GetConnection returns the live connection for the purpose, creating it
// when needed. It fails fast with a rate_limit error while the process-wide
// window is active, without attempting any I/O.
func (m *Manager) GetConnection(ctx context.Context, purpose Purpose) (Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.NewConnectionError("connection manager is closed")
	}
	conn, ok := m.conns[purpose]
	m.mu.Unlock()

	if ok {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := conn.Ping(probeCtx)
		cancel()
		if err == nil {
			return conn, nil
		}

		m.logger.LogConnectionEvent("probe_failed", string(purpose), string(StatusError), nil)
		m.dropConnection(purpose, conn, err)
	}

	if err := m.checkRateLimited(); err != nil {
		return nil, err
	}

	return m.getOrCreate(ctx, purpose)
}

// checkRateLimited lazily clears an elapsed window and otherwise fails fast
func (m *Manager) checkRateLimited() error {
	m.mu.Lock()
	if !m.rateLimitResetAt.IsZero() {
		if time.Now().Before(m.rateLimitResetAt) {
			resetAt := m.rateLimitResetAt
			m.mu.Unlock()
			return errors.NewRateLimitError("connection creation disabled by quota exhaustion", resetAt)
		}
		m.rateLimitResetAt = time.Time{}
	}
	m.mu.Unlock()

	if m.backoff != nil {
		if state := m.backoff.ShouldBackOff(); state.Active {
			return errors.NewRateLimitError("connection creation suppressed: "+state.Reason, state.Until)
		}
	}
	return nil
}

// getOrCreate collapses concurrent cold-start callers into one creation
// attempt per purpose.
func (m *Manager) getOrCreate(ctx context.Context, purpose Purpose) (Conn, error) {
	m.mu.Lock()
	if conn, ok := m.conns[purpose]; ok {
		m.mu.Unlock()
		return conn, nil
	}
	if c, ok := m.inflight[purpose]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.conn, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &creation{done: make(chan struct{})}
	m.inflight[purpose] = c
	info := m.infoLocked(purpose)
	info.Status = StatusConnecting
	info.ReconnectAttempts++
	m.mu.Unlock()

	conn, err := m.create(ctx, purpose)
	c.conn, c.err = conn, err

	m.mu.Lock()
	delete(m.inflight, purpose)
	m.mu.Unlock()
	close(c.done)

	return conn, err
}

// create dials, validates, and registers a new connection
func (m *Manager) create(ctx context.Context, purpose Purpose) (Conn, error) {
	conn, err := m.dial(ctx, purpose)
	if err != nil {
		return nil, m.handleCreateFailure(purpose, err)
	}

	if err := m.validate(ctx, conn, purpose); err != nil {
		conn.Close()
		return nil, m.handleCreateFailure(purpose, err)
	}

	m.mu.Lock()
	m.conns[purpose] = conn
	info := m.infoLocked(purpose)
	info.Status = StatusConnected
	info.ConnectedAt = time.Now()
	info.HealthScore = healthScoreMax
	info.ReconnectAttempts = 0
	info.LastError = ""
	m.mu.Unlock()

	m.logger.LogConnectionEvent("connected", string(purpose), string(StatusConnected), nil)
	return conn, nil
}

// validate performs a write/read/delete round trip to catch connections
// that were accepted but are silently broken (bad auth, read-only replica).
func (m *Manager) validate(ctx context.Context, conn Conn, purpose Purpose) error {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	key := fmt.Sprintf("connval:%s:%s", purpose, uuid.New().String())
	want := "ok"

	if err := conn.Set(vctx, key, want, 30*time.Second); err != nil {
		return err
	}
	got, err := conn.Get(vctx, key)
	if err != nil {
		return err
	}
	if got != want {
		return errors.NewValidationError("connection validation round trip returned unexpected data").
			WithDetail("purpose", string(purpose))
	}
	if _, err := conn.Del(vctx, key); err != nil {
		return err
	}
	return nil
}

// handleCreateFailure classifies the failure and updates connection state.
// Quota errors disable creation process-wide; reset/refused errors surface
// immediately so the caller's own retry layer governs redo timing.
func (m *Manager) handleCreateFailure(purpose Purpose, err error) error {
	err = ClassifyRedisError(err)

	if errors.IsRateLimited(err) {
		resetAt, ok := errors.GetResetAt(err)
		if !ok {
			resetAt = NextHourReset(time.Now())
		}
		m.ActivateRateLimit(resetAt, "connection creation quota error")
	}

	m.mu.Lock()
	info := m.infoLocked(purpose)
	info.Status = StatusError
	info.HealthScore = 0
	info.LastError = err.Error()
	m.mu.Unlock()

	m.logger.LogConnectionEvent("connect_failed", string(purpose), string(StatusError),
		map[string]interface{}{"error": err.Error()})
	return err
}

// ActivateRateLimit disables all connection creation until resetAt and
// proactively closes live connections to stop consuming quota. Extending
// an already-active window to a later time is safe; earlier times are
// ignored. An owned timer re-enables creation when the window elapses.
func (m *Manager) ActivateRateLimit(resetAt time.Time, reason string) {
	m.mu.Lock()
	if resetAt.Before(m.rateLimitResetAt) {
		m.mu.Unlock()
		return
	}
	m.rateLimitResetAt = resetAt

	conns := m.takeAllLocked()

	if m.reenableTimer != nil {
		m.reenableTimer.Stop()
	}
	m.reenableTimer = time.AfterFunc(time.Until(resetAt), func() {
		m.mu.Lock()
		if !m.rateLimitResetAt.After(resetAt) {
			m.rateLimitResetAt = time.Time{}
		}
		m.mu.Unlock()
		m.logger.Info("Rate limit window elapsed, connection creation re-enabled")
	})
	m.mu.Unlock()

	m.logger.Warn("Rate limit activated, closing all connections",
		"reason", reason,
		"reset_at", resetAt.Format(time.RFC3339),
	)

	for purpose, conn := range conns {
		m.closeConn(purpose, conn)
	}
}

// RateLimitedUntil reports the active process-wide window, if any
func (m *Manager) RateLimitedUntil() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rateLimitResetAt.IsZero() || time.Now().After(m.rateLimitResetAt) {
		return time.Time{}, false
	}
	return m.rateLimitResetAt, true
}

// SafeOperation wraps GetConnection plus the operation itself and
// normalizes every outcome, so business code can branch without exception
// control flow.
func (m *Manager) SafeOperation(ctx context.Context, purpose Purpose, fn func(ctx context.Context, conn Conn) (interface{}, error)) Outcome {
	conn, err := m.GetConnection(ctx, purpose)
	if err != nil {
		if errors.IsRateLimited(err) {
			return Outcome{Skipped: true, Reason: ReasonRateLimited, Err: err}
		}
		return Outcome{Reason: ReasonConnectionFailed, Err: err}
	}

	result, err := fn(ctx, conn)
	if err != nil {
		err = ClassifyRedisError(err)
		if errors.IsRateLimited(err) {
			resetAt, ok := errors.GetResetAt(err)
			if !ok {
				resetAt = NextHourReset(time.Now())
			}
			m.ActivateRateLimit(resetAt, "operation quota error")
			return Outcome{Skipped: true, Reason: ReasonRateLimited, Err: err}
		}

		m.mu.Lock()
		m.infoLocked(purpose).LastError = err.Error()
		m.mu.Unlock()
		return Outcome{Reason: ReasonOperationFailed, Err: err}
	}

	return Outcome{OK: true, Result: result}
}

// StartHealthLoop launches the periodic health reconciliation goroutine.
// It is stopped, together with the re-enable timer, by Close.
func (m *Manager) StartHealthLoop() {
	m.loopStart.Do(func() {
		go func() {
			defer close(m.loopDone)
			ticker := time.NewTicker(m.cfg.HealthCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.PerformHealthChecks(context.Background())
				case <-m.stopCh:
					return
				}
			}
		}()
	})
}

// PerformHealthChecks probes every live connection with a bounded timeout
// and converges its health score: one transient blip does not flap a
// connection to error, sustained failure does.
func (m *Manager) PerformHealthChecks(ctx context.Context) {
	m.mu.Lock()
	conns := make(map[Purpose]Conn, len(m.conns))
	for purpose, conn := range m.conns {
		conns[purpose] = conn
	}
	m.mu.Unlock()

	for purpose, conn := range conns {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := conn.Ping(probeCtx)
		cancel()

		m.mu.Lock()
		info := m.infoLocked(purpose)
		if err == nil {
			info.HealthScore += healthProbeReward
			if info.HealthScore > healthScoreMax {
				info.HealthScore = healthScoreMax
			}
			if info.Status == StatusError {
				info.Status = StatusConnected
				info.LastError = ""
				m.logger.LogConnectionEvent("auto_recovered", string(purpose), string(StatusConnected), nil)
			}
		} else {
			info.HealthScore -= healthProbePenalty
			if info.HealthScore < 0 {
				info.HealthScore = 0
			}
			info.LastError = err.Error()
			if info.HealthScore <= healthErrorWatermark && info.Status != StatusError {
				info.Status = StatusError
				m.logger.LogConnectionEvent("demoted", string(purpose), string(StatusError),
					map[string]interface{}{"health_score": info.HealthScore})
			}
		}
		m.mu.Unlock()
	}
}

// ConnectionInfo returns a copy of the health record for a purpose
func (m *Manager) ConnectionInfo(purpose Purpose) (ConnInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.info[purpose]
	if !ok {
		return ConnInfo{}, false
	}
	return *info, true
}

// AllConnectionInfo returns a copy of every health record
func (m *Manager) AllConnectionInfo() map[Purpose]ConnInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Purpose]ConnInfo, len(m.info))
	for purpose, info := range m.info {
		out[purpose] = *info
	}
	return out
}

// CloseConnection gracefully closes the connection for one purpose.
// Idempotent: closing an absent purpose is a no-op.
func (m *Manager) CloseConnection(purpose Purpose) error {
	m.mu.Lock()
	conn, ok := m.conns[purpose]
	if ok {
		delete(m.conns, purpose)
		m.infoLocked(purpose).Status = StatusDisconnected
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.closeConn(purpose, conn)
}

// CloseAllConnections closes every live connection. Safe during partial
// failure; each close error is logged and the handle dropped regardless.
func (m *Manager) CloseAllConnections() {
	m.mu.Lock()
	conns := m.takeAllLocked()
	m.mu.Unlock()

	for purpose, conn := range conns {
		m.closeConn(purpose, conn)
	}
}

// Close shuts the manager down: health loop, re-enable timer, connections
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.reenableTimer != nil {
		m.reenableTimer.Stop()
		m.reenableTimer = nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.loopStart.Do(func() { close(m.loopDone) })
	<-m.loopDone

	m.CloseAllConnections()
}

// dropConnection removes a connection that failed its fast probe so the
// caller can fall through to replacement.
func (m *Manager) dropConnection(purpose Purpose, conn Conn, err error) {
	m.mu.Lock()
	if m.conns[purpose] == conn {
		delete(m.conns, purpose)
	}
	info := m.infoLocked(purpose)
	info.Status = StatusDisconnected
	info.LastError = err.Error()
	m.mu.Unlock()

	if cerr := conn.Close(); cerr != nil {
		m.logger.Warn("Graceful close failed, forcing disconnect",
			"purpose", string(purpose), "error", cerr.Error())
	}
}

// takeAllLocked detaches all live connections. Caller must hold the lock.
func (m *Manager) takeAllLocked() map[Purpose]Conn {
	conns := make(map[Purpose]Conn, len(m.conns))
	for purpose, conn := range m.conns {
		conns[purpose] = conn
		m.infoLocked(purpose).Status = StatusDisconnected
	}
	m.conns = make(map[Purpose]Conn)
	return conns
}

// closeConn attempts a graceful close, falling back to dropping the handle
func (m *Manager) closeConn(purpose Purpose, conn Conn) error {
	if err := conn.Close(); err != nil {
		m.logger.Warn("Graceful close failed, forcing disconnect",
			"purpose", string(purpose), "error", err.Error())
		return err
	}
	m.logger.LogConnectionEvent("closed", string(purpose), string(StatusDisconnected), nil)
	return nil
}

// infoLocked returns the mutable info record. Caller must hold the lock.
func (m *Manager) infoLocked(purpose Purpose) *ConnInfo {
	info, ok := m.info[purpose]
	if !ok {
		info = &ConnInfo{Status: StatusDisconnected}
		m.info[purpose] = info
	}
	return info
}
