package orchestrate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/db"
	"mycelica/hypha/internal/rpc"
)

// rpcReply is what a fake method handler answers: a result, a JSON-RPC
// error object, or a bare HTTP status.
type rpcReply struct {
	result    any
	errCode   int
	errMsg    string
	exception string
	status    int
	delay     time.Duration
}

type recordedCall struct {
	method string
	params []json.RawMessage
}

func (c recordedCall) token() string {
	if len(c.params) == 0 {
		return ""
	}
	var tok string
	_ = json.Unmarshal(c.params[0], &tok)
	return tok
}

// fakeServer is a JSON-RPC entity server. Session-bound methods reject any
// token other than the one handed out by the latest login.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	calls    []recordedCall
	tokens   []string
	logins   int
	valid    string
	handlers map[string]func(rc recordedCall) rpcReply
	files    map[string][]byte
}

func newFakeServer(t *testing.T, tokens ...string) *fakeServer {
	return &fakeServer{
		t:        t,
		tokens:   tokens,
		handlers: map[string]func(recordedCall) rpcReply{},
		files:    map[string][]byte{},
	}
}

func (f *fakeServer) handle(method string, h func(rc recordedCall) rpcReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeServer) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = ""
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		f.mu.Lock()
		data, ok := f.files[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
		return
	}

	raw, _ := io.ReadAll(r.Body)
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     string            `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rc := recordedCall{method: req.Method, params: req.Params}

	f.mu.Lock()
	f.calls = append(f.calls, rc)
	var reply rpcReply
	switch {
	case req.Method == "login":
		f.logins++
		if len(f.tokens) == 0 {
			reply = rpcReply{errCode: 1, errMsg: "bad credentials", exception: "UserFailureException"}
			break
		}
		f.valid, f.tokens = f.tokens[0], f.tokens[1:]
		reply = rpcReply{result: f.valid}
	case rc.token() != f.valid:
		reply = rpcReply{errCode: 500, errMsg: "invalid session", exception: "ch.systemsx.cisd.common.exceptions.InvalidSessionException"}
	default:
		h, ok := f.handlers[req.Method]
		if !ok {
			reply = rpcReply{result: nil}
			break
		}
		f.mu.Unlock()
		reply = h(rc)
		f.mu.Lock()
	}
	f.mu.Unlock()

	if reply.delay > 0 {
		time.Sleep(reply.delay)
	}
	if reply.status != 0 {
		http.Error(w, http.StatusText(reply.status), reply.status)
		return
	}
	body := map[string]any{"id": req.ID, "jsonrpc": "2.0"}
	if reply.errMsg != "" {
		body["error"] = map[string]any{
			"code":    reply.errCode,
			"message": reply.errMsg,
			"data":    map[string]any{"exceptionTypeName": reply.exception},
		}
	} else {
		body["result"] = reply.result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// methodCalls returns the recorded calls of method in order.
func (f *fakeServer) methodCalls(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// table builds an entity table result.
func table(columns []string, rows ...[]string) map[string]any {
	cols := make([]map[string]string, len(columns))
	for i, c := range columns {
		cols[i] = map[string]string{"title": c}
	}
	outRows := make([][]map[string]string, len(rows))
	for i, r := range rows {
		cells := make([]map[string]string, len(r))
		for j, v := range r {
			cells[j] = map[string]string{"value": v}
		}
		outRows[i] = cells
	}
	return map[string]any{"columns": cols, "rows": outRows}
}

func prefsTable(seconds string) map[string]any {
	return table([]string{"KEY", "VALUE"}, []string{"ROOT_SET_REFRESH_INTERVAL", seconds})
}

// recordingSink keeps every event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Notify(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Topic()
	}
	return out
}

type fixedDecider struct {
	decision TrustDecision
	mu       sync.Mutex
	asked    []Challenge
}

func (d *fixedDecider) Decide(_ context.Context, ch Challenge) (TrustDecision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked = append(d.asked, ch)
	return d.decision, nil
}

type harness struct {
	srv     *fakeServer
	http    *httptest.Server
	db      *db.DB
	cache   *db.Cache
	manager *Manager
	sink    *recordingSink
	clock   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harnessOpts struct {
	tls     bool
	timeout time.Duration
	opts    []Option
}

func newHarness(t *testing.T, srv *fakeServer, ho harnessOpts) *harness {
	t.Helper()
	var hs *httptest.Server
	if ho.tls {
		hs = httptest.NewTLSServer(srv)
	} else {
		hs = httptest.NewServer(srv)
	}
	t.Cleanup(hs.Close)

	d, err := db.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	clock := &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	cache := db.NewCache(d, hs.URL, db.WithClock(clock.Now))

	client, err := rpc.NewClient(rpc.Config{Endpoint: hs.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	if ho.timeout > 0 {
		cfg.Timeout = ho.timeout
	}
	opts := append([]Option{
		WithCredentials(Credentials{User: "alice", Password: "pw"}),
		WithEvents(sink),
		WithClock(clock.Now),
	}, ho.opts...)
	m, err := NewManager(context.Background(), client, cache, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &harness{srv: srv, http: hs, db: d, cache: cache, manager: m, sink: sink, clock: clock}
}

// wait settles a call within the test deadline.
func wait[T any](t *testing.T, c *call.Call[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Wait(ctx)
}
