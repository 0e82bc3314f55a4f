package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

const readAttempts = 3

// retryRead runs an idempotent read, retrying transient storage failures a bounded
// number of times. Writes are never retried so a message cannot be stored twice.
func retryRead(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond

	op := func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, readAttempts-1), ctx))
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 40xxx transaction rollback, 55P03 lock not available, 53300 too many connections.
		return strings.HasPrefix(code, "40") || code == "55P03" || code == "53300"
	}
	return false
}
