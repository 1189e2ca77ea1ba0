// Package retry runs backend calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds one retried call. Attempts counts the first try.
type Policy struct {
	Attempts uint64
	Min      time.Duration
	Max      time.Duration
}

// Backend call policies: submission is tried twice, queries three times,
// waiting between 4 and 10 seconds.
var (
	Submit = Policy{Attempts: 2, Min: 4 * time.Second, Max: 10 * time.Second}
	Query  = Policy{Attempts: 3, Min: 4 * time.Second, Max: 10 * time.Second}
	Once   = Policy{Attempts: 1}
)

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.Attempts <= 1 {
		return fn()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Min
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn()
	}, backoff.WithContext(backoff.WithMaxRetries(b, p.Attempts-1), ctx))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
