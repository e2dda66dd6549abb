// Package service translates the domain operations of the entity server into
// JSON-RPC calls and parses their responses.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/rpc"
)

// Remote method names.
const (
	MethodLogin                    = "login"
	MethodLogout                   = "logout"
	MethodClientPreferences        = "clientPreferences"
	MethodListNavigationalEntities = "listNavigationalEntities"
	MethodListRootLevelEntities    = "listRootLevelEntities"
	MethodDrillOnEntities          = "drillOnEntities"
	MethodDetailsForEntities       = "detailsForEntities"
	MethodSearchForText            = "searchForText"
	MethodHeartbeat                = "heartbeat"
)

// Op is one facade operation ready to be executed, possibly more than once.
// Session-bound operations can be re-targeted with a fresh token between
// executions.
type Op[T any] struct {
	inv     rpc.Invoker
	call    *rpc.Call
	session *rpc.SessionCall
	parse   func(json.RawMessage) (T, error)
}

func newOp[T any](inv rpc.Invoker, c *rpc.Call, parse func(json.RawMessage) (T, error)) *Op[T] {
	return &Op[T]{inv: inv, call: c, parse: parse}
}

func newSessionOp[T any](inv rpc.Invoker, sc *rpc.SessionCall, parse func(json.RawMessage) (T, error)) *Op[T] {
	return &Op[T]{inv: inv, call: sc.Call, session: sc, parse: parse}
}

// Method returns the remote method name.
func (o *Op[T]) Method() string { return o.call.Method }

// Authenticated reports whether the op carries a session token.
func (o *Op[T]) Authenticated() bool { return o.session != nil }

// Token returns the session token the op will send, or "".
func (o *Op[T]) Token() string {
	if o.session == nil {
		return ""
	}
	return o.session.Token()
}

// ReplaceToken re-targets the op from old to next. It reports false for
// unauthenticated ops and for ops not carrying old.
func (o *Op[T]) ReplaceToken(old, next string) bool {
	if o.session == nil {
		return false
	}
	return o.session.ReplaceToken(old, next)
}

// Execute submits the op and parses the result. Parse failures are reported
// as *rpc.ProtocolError.
func (o *Op[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	raw, err := o.call.Invoke(ctx, o.inv)
	if err != nil {
		return zero, err
	}
	v, err := o.parse(raw)
	if err != nil {
		return zero, &rpc.ProtocolError{Method: o.call.Method, Reason: "unexpected result", Err: err}
	}
	return v, nil
}

// Service is the stateless facade over an rpc.Invoker.
type Service struct {
	inv rpc.Invoker
}

// New creates a facade sending calls through inv.
func New(inv rpc.Invoker) *Service {
	return &Service{inv: inv}
}

// Login authenticates user and yields the session token.
func (s *Service) Login(user, password string) *Op[string] {
	return newOp(s.inv, rpc.NewCall(MethodLogin, user, password), parseToken)
}

// Logout ends the session.
func (s *Service) Logout(token string) *Op[struct{}] {
	return newSessionOp(s.inv, rpc.NewSessionCall(token, MethodLogout), ignoreResult)
}

// ClientPreferences fetches the server-side preferences for this client.
func (s *Service) ClientPreferences(token string) *Op[entity.ClientPreferences] {
	return newSessionOp(s.inv, rpc.NewSessionCall(token, MethodClientPreferences), parsePreferences)
}

// ListNavigationalEntities lists the top-level categories.
func (s *Service) ListNavigationalEntities(token string) *Op[[]entity.RawEntityRecord] {
	return newSessionOp(s.inv, rpc.NewSessionCall(token, MethodListNavigationalEntities), parseRecords)
}

// ListRootLevelEntities lists the root-level entities under the given
// categories.
func (s *Service) ListRootLevelEntities(token string, refs []entity.Ref) *Op[[]entity.RawEntityRecord] {
	return s.refsOp(token, MethodListRootLevelEntities, refs)
}

// DrillOnEntities fetches the children of refs.
func (s *Service) DrillOnEntities(token string, refs []entity.Ref) *Op[[]entity.RawEntityRecord] {
	return s.refsOp(token, MethodDrillOnEntities, refs)
}

// DetailsForEntities fetches the full detail of refs.
func (s *Service) DetailsForEntities(token string, refs []entity.Ref) *Op[[]entity.RawEntityRecord] {
	return s.refsOp(token, MethodDetailsForEntities, refs)
}

// SearchForText runs a free-text search.
func (s *Service) SearchForText(token, text string) *Op[[]entity.RawEntityRecord] {
	return newSessionOp(s.inv, rpc.NewSessionCall(token, MethodSearchForText, text), parseRecords)
}

// Heartbeat keeps the session alive.
func (s *Service) Heartbeat(token string) *Op[struct{}] {
	return newSessionOp(s.inv, rpc.NewSessionCall(token, MethodHeartbeat), ignoreResult)
}

func (s *Service) refsOp(token, method string, refs []entity.Ref) *Op[[]entity.RawEntityRecord] {
	sc := rpc.NewSessionCall(token, method, entity.PermIDs(refs), entity.Refcons(refs))
	return newSessionOp(s.inv, sc, parseRecords)
}

func parseToken(raw json.RawMessage) (string, error) {
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("empty session token")
	}
	return token, nil
}

func ignoreResult(json.RawMessage) (struct{}, error) {
	return struct{}{}, nil
}
