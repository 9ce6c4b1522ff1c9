package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by adapter operations.
//
// Check with errors.Is / errors.As:
//
//	if errors.Is(err, provider.ErrAuthExpired) {
//	    // surface a re-authentication requirement; do not retry
//	}
var (
	// ErrAuthExpired means the provider rejected our credentials. Fatal
	// to the affected provider's sync cycle until external re-auth;
	// never retried automatically.
	ErrAuthExpired = errors.New("provider authentication expired")

	// ErrNotFound means the remote object does not exist.
	ErrNotFound = errors.New("remote object not found")
)

// RateLimitedError means the provider asked us to back off. The sync
// cycle for this provider suspends until RetryAfter elapses; other
// providers continue unaffected.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps a failure that is likely to succeed on retry
// with backoff (timeouts, connection resets, 5xx responses).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// CorruptRecordError marks one unparseable remote record. The pull
// skips it, logs, and continues; one bad record must not halt the
// whole cycle.
type CorruptRecordError struct {
	Ref    string
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt remote record %s: %s", e.Ref, e.Reason)
}

// IsRateLimited reports whether err carries a rate-limit delay, and the
// delay if so.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}

// IsCorruptRecord reports whether err marks a single bad remote record.
func IsCorruptRecord(err error) bool {
	var cr *CorruptRecordError
	return errors.As(err, &cr)
}
