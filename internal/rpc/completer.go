package rpc

import (
	"context"
	"sync/atomic"
)

// Completer is a one-shot result holder backing a resolve/reject pair.
// Calling one side invalidates the other: the first state transition wins
// and every later call is a no-op.
type Completer struct {
	state atomic.Int32 // 0 pending, 1 resolved, 2 rejected
	done  chan struct{}
	value any
	err   error
}

const (
	statePending  = 0
	stateResolved = 1
	stateRejected = 2
)

// NewCompleter creates a pending completer.
func NewCompleter() *Completer {
	return &Completer{done: make(chan struct{})}
}

// Resolve fulfils the completer. Returns false if it was already settled.
func (c *Completer) Resolve(value any) bool {
	if !c.state.CompareAndSwap(statePending, stateResolved) {
		return false
	}
	c.value = value
	close(c.done)
	return true
}

// Reject fails the completer. Returns false if it was already settled.
func (c *Completer) Reject(err error) bool {
	if !c.state.CompareAndSwap(statePending, stateRejected) {
		return false
	}
	c.err = err
	close(c.done)
	return true
}

// Settled reports whether the completer has a result.
func (c *Completer) Settled() bool {
	return c.state.Load() != statePending
}

// Wait blocks until the completer settles or ctx is done.
func (c *Completer) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		if c.state.Load() == stateRejected {
			return nil, c.err
		}
		return c.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Surfaces returns the resolve and reject sides as callables suitable for
// wrapping into a promise envelope.
func (c *Completer) Surfaces() (resolve Callable, reject Callable) {
	resolve = func(args []any) (any, error) {
		var v any
		if len(args) > 0 {
			v = args[0]
		}
		c.Resolve(v)
		return nil, nil
	}
	reject = func(args []any) (any, error) {
		var msg any = "rejected"
		if len(args) > 0 {
			msg = args[0]
		}
		if err, ok := msg.(error); ok {
			c.Reject(err)
		} else {
			c.Reject(remoteError(msg))
		}
		return nil, nil
	}
	return resolve, reject
}
