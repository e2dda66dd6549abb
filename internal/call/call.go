// Package call provides a single asynchronous unit of work that settles
// exactly once: success, failure, or cancellation.
package call

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("call: already started")
	ErrTimeout        = errors.New("call: timed out")
	ErrCancelled      = errors.New("call: cancelled")
)

// State is the lifecycle position of a Call.
type State int32

const (
	Idle State = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Func is the work performed by a Call. The context is cancelled when the
// call times out or is cancelled.
type Func[T any] func(ctx context.Context) (T, error)

// Call runs a Func once and delivers its outcome exactly once.
//
// The completion handler registered with OnComplete runs on the goroutine
// that settled the call, before Done is closed. A cancelled call never
// invokes the handler.
type Call[T any] struct {
	fn         Func[T]
	timeout    time.Duration
	onComplete func(T, error)

	mu     sync.Mutex
	state  State
	held   bool
	timer  *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
	val    T
	err    error
}

// New creates an idle call. A zero timeout disables the timer.
func New[T any](fn Func[T], timeout time.Duration) *Call[T] {
	return &Call[T]{
		fn:      fn,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Go creates and starts a call in one step.
func Go[T any](ctx context.Context, timeout time.Duration, fn Func[T]) *Call[T] {
	c := New(fn, timeout)
	_ = c.Start(ctx)
	return c
}

// FailedCall returns a call that is already settled with err.
func FailedCall[T any](err error) *Call[T] {
	c := New[T](nil, 0)
	c.state = Failed
	c.err = err
	close(c.done)
	return c
}

// OnComplete registers the completion handler. It has no effect once the
// call has left Idle.
func (c *Call[T]) OnComplete(fn func(T, error)) *Call[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		c.onComplete = fn
	}
	return c
}

// Start arms the timer and runs the work in a new goroutine. It is valid
// only from Idle.
func (c *Call[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Running
	runCtx, cancel := context.WithCancel(ctx)
	runCtx = context.WithValue(runCtx, holdKey{}, c.hold)
	c.cancel = cancel
	if c.timeout > 0 {
		c.timer = time.AfterFunc(c.timeout, func() {
			var zero T
			c.settle(Failed, zero, ErrTimeout, false)
		})
	}
	c.mu.Unlock()

	go func() {
		v, err := c.fn(runCtx)
		if err != nil {
			var zero T
			c.settle(Failed, zero, err, true)
			return
		}
		c.settle(Succeeded, v, nil, true)
	}()
	return nil
}

type holdKey struct{}

// Hold is called by work that is about to do something irreversible, such
// as committing a write. It pins the call running under ctx: from then on
// neither the timer nor Cancel can settle it, and it settles with whatever
// the work returns. Hold reports false when the call has already settled
// or ctx is done; the work must then not proceed. Outside a call it only
// checks ctx.
func Hold(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	h, ok := ctx.Value(holdKey{}).(func() bool)
	if !ok || h == nil {
		return true
	}
	return h()
}

// Detach returns a context that carries no cancellation and no hold of the
// call running under ctx, for work shared with other callers.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), holdKey{}, nil)
}

func (c *Call[T]) hold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return false
	}
	c.held = true
	if c.timer != nil {
		c.timer.Stop()
	}
	return true
}

// Cancel forces the call into Cancelled unless it already settled or its
// work holds it. It reports whether the cancellation took effect.
func (c *Call[T]) Cancel() bool {
	c.mu.Lock()
	if c.state == Idle {
		c.state = Cancelled
		c.err = ErrCancelled
		close(c.done)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	var zero T
	return c.settle(Cancelled, zero, ErrCancelled, false)
}

// settle moves a running call to st. Only the work itself may settle a
// held call.
func (c *Call[T]) settle(st State, v T, err error, fromWork bool) bool {
	c.mu.Lock()
	if c.state != Running || (c.held && !fromWork) {
		c.mu.Unlock()
		return false
	}
	c.state = st
	c.val = v
	c.err = err
	if c.timer != nil {
		c.timer.Stop()
	}
	c.cancel()
	cb := c.onComplete
	c.mu.Unlock()

	if cb != nil && st != Cancelled {
		cb(v, err)
	}
	close(c.done)
	return true
}

// State returns the current state.
func (c *Call[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the call has settled and its handler returned.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled outcome. Before Done is closed it returns the
// zero value and a nil error.
func (c *Call[T]) Result() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.err
}

// Wait blocks until the call settles or ctx is done. An expired ctx does
// not cancel the call.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
