// Package resilience provides the failure-isolation primitives that protect
// ChatCart when its downstream dependencies degrade: a circuit breaker for
// arbitrary operations, a usage-aware backoff controller that reacts to
// quota signals, and a throttle-aware retrier.
//
// The circuit breaker wraps a call, enforces a timeout, counts consecutive
// failures, and fails fast while open. The backoff controller ingests quota
// snapshots (Graph API usage headers, Redis request budgets) and owns
// cooldown windows with jitter. The retrier layers exponential backoff on
// top, honoring server-provided retry times on throttle responses.
//
// All three are independent of the resource they protect and safe for
// concurrent use.
package resilience
