// Package retry wraps cenkalti/backoff with the bounded linear policy
// used for remote git and diff-provider calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTries is how many attempts remote calls get before giving up.
const DefaultTries = 5

// DefaultUnit is the base wait that linear scaling multiplies.
const DefaultUnit = 5 * time.Second

// linearBackOff waits unit, 2*unit, 3*unit, ... between attempts.
type linearBackOff struct {
	unit    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.unit
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// Linear returns a context-aware backoff giving tries attempts in total,
// with linearly growing waits in between.
func Linear(ctx context.Context, unit time.Duration, tries int) backoff.BackOffContext {
	var b backoff.BackOff = &linearBackOff{unit: unit}
	b = backoff.WithMaxRetries(b, uint64(tries-1))
	return backoff.WithContext(b, ctx)
}

// Do runs op under the default linear policy.
func Do(ctx context.Context, op backoff.Operation) error {
	return backoff.Retry(op, Linear(ctx, DefaultUnit, DefaultTries))
}

// DoWith runs op with an explicit unit and try count. Tests pass a tiny
// unit to keep retries fast.
func DoWith(ctx context.Context, unit time.Duration, tries int, op backoff.Operation) error {
	return backoff.Retry(op, Linear(ctx, unit, tries))
}
