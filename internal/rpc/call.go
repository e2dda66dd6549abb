package rpc

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"mycelica/hypha/internal/call"
)

// Invoker sends one named method with positional params.
type Invoker interface {
	Invoke(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Call is one remote method with an ordered parameter list.
type Call struct {
	Method string

	mu     sync.Mutex
	params []any
}

// NewCall creates a call of method with params.
func NewCall(method string, params ...any) *Call {
	return &Call{Method: method, params: params}
}

// Params returns a copy of the parameter list.
func (c *Call) Params() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.params)
}

// Invoke submits the call synchronously.
func (c *Call) Invoke(ctx context.Context, inv Invoker) (json.RawMessage, error) {
	return inv.Invoke(ctx, c.Method, c.Params())
}

// Start submits the call asynchronously with a per-call timeout.
func (c *Call) Start(ctx context.Context, inv Invoker, timeout time.Duration) *call.Call[json.RawMessage] {
	return call.Go(ctx, timeout, func(ctx context.Context) (json.RawMessage, error) {
		return c.Invoke(ctx, inv)
	})
}

// SessionCall is a Call whose first parameter is the session token.
type SessionCall struct {
	*Call
}

// NewSessionCall creates a call of method authenticated with token.
func NewSessionCall(token, method string, params ...any) *SessionCall {
	all := make([]any, 0, len(params)+1)
	all = append(all, token)
	all = append(all, params...)
	return &SessionCall{Call: NewCall(method, all...)}
}

// Token returns the token the call will send.
func (s *SessionCall) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, _ := s.params[0].(string)
	return tok
}

// ReplaceToken rewrites the outgoing token from old to next. It reports
// whether the call was carrying old.
func (s *SessionCall) ReplaceToken(old, next string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, _ := s.params[0].(string); tok != old {
		return false
	}
	s.params[0] = next
	return true
}
