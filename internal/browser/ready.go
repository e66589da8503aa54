package browser

import (
	"context"
	"time"
)

// WaitReady runs check under a deadline and reports whether it succeeded.
// It never fails: a page that never signals readiness is still usable, the
// caller only gets to log the outcome.
func WaitReady(ctx context.Context, timeout time.Duration, check func(ctx context.Context) (bool, error)) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := check(ctx)
	return err == nil && ok
}
