package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sensorsync/internal/domain"
)

// race runs op against a deadline of d. If the deadline (or ctx) wins, op's
// context is cancelled and whatever op eventually returns successfully is
// handed to release, so a late connection is never left open. A caller
// deadline that expires is reported as domain.ErrTimeout too.
func race[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error), release func(T)) (T, error) {
	child, cancel := context.WithCancel(ctx)

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(child)
		done <- result{v: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		cancel()
		return r.v, asTimeout(ctx, r.err)
	case <-timer.C:
	case <-ctx.Done():
	}
	cancel()

	go func() {
		r := <-done
		if r.err == nil && release != nil {
			release(r.v)
		}
	}()

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, asTimeout(ctx, err)
	}
	return zero, fmt.Errorf("no result after %s: %w", d, domain.ErrTimeout)
}

// asTimeout tags err with domain.ErrTimeout when it stems from ctx's
// deadline. Cancellation stays as is.
func asTimeout(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}
