// Package function defines the handler contract: the snapshot a handler
// reads, the result it returns, and the execution context threaded through
// every invocation.
package function

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Handler computes a result from a snapshot. It may read and write
// fc.Env and must not assume any ordering of snapshot keys.
type Handler interface {
	Invoke(ctx context.Context, snap Snapshot, fc *Context) (Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, snap Snapshot, fc *Context) (Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, snap Snapshot, fc *Context) (Result, error) {
	return f(ctx, snap, fc)
}

// PanicError is returned by Call when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Call invokes h and converts a panic into a *PanicError.
func Call(ctx context.Context, h Handler, snap Snapshot, fc *Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h.Invoke(ctx, snap, fc)
}
