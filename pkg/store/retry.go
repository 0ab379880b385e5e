package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable reports that a mutation kept hitting storage contention and
// exhausted its retry budget. It is the only error kind callers should retry.
var ErrUnavailable = errors.New("storage temporarily unavailable")

// RetryPolicy retries contended mutations with exponential backoff. It is the
// single retry mechanism for the whole store; individual operations must not
// carry ad hoc retry loops.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy suits an embedded store under short lock contention.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond}
}

// Do runs fn, retrying on contention errors. Non-retryable errors are
// returned unchanged; an exhausted budget surfaces ErrUnavailable.
func (p RetryPolicy) Do(fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var last error
	for i := 0; i < attempts; i++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if i < attempts-1 && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, attempts, last)
}

func retryable(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"SQLITE_BUSY",
		"deadlock detected",
		"could not serialize access",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
