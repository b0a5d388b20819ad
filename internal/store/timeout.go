package store

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds a single gateway call when none is configured.
const DefaultTimeout = 2 * time.Second

// timeoutGateway enforces a deadline on every call, even when the wrapped
// client ignores its context.
type timeoutGateway struct {
	next    Gateway
	timeout time.Duration
}

// WithTimeout wraps g so that each Get and Set returns ErrTimeout once d has
// elapsed. A non-positive d uses DefaultTimeout.
func WithTimeout(g Gateway, d time.Duration) Gateway {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutGateway{next: g, timeout: d}
}

func (g *timeoutGateway) Get(ctx context.Context, key string) ([]byte, error) {
	return executeWithTimeout(ctx, g.timeout, func(ctx context.Context) ([]byte, error) {
		return g.next.Get(ctx, key)
	})
}

func (g *timeoutGateway) Set(ctx context.Context, key string, value []byte) error {
	_, err := executeWithTimeout(ctx, g.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.next.Set(ctx, key, value)
	})
	return err
}

func (g *timeoutGateway) Close() error {
	return g.next.Close()
}

func executeWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)

	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, ctx.Err()
	}
}
