package edge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/log"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const testBase = "a2rok.test"

type fakeIdentity struct {
	principals map[string]domain.Principal
}

func (f *fakeIdentity) ResolveAgentPrincipal(_ context.Context, token string) (domain.Principal, error) {
	p, ok := f.principals[token]
	if !ok {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return p, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]domain.DomainRecord
	created int
}

func (f *fakeDirectory) FindDomainOwner(_ context.Context, name string) (domain.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[name]
	if !ok {
		return domain.DomainRecord{}, domain.ErrDomainNotFound
	}
	return rec, nil
}

func (f *fakeDirectory) ListOwnerDomains(_ context.Context, ownerID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, rec := range f.records {
		if rec.OwnerID == ownerID {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeDirectory) CreateDomain(_ context.Context, ownerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	name := fmt.Sprintf("auto-%d", f.created)
	f.records[name] = domain.DomainRecord{Name: name, OwnerID: ownerID}
	return name, nil
}

type fakeQuota struct {
	mu    sync.Mutex
	deny  bool
	calls int
}

func (f *fakeQuota) TryConsume(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return !f.deny, nil
}

func (f *fakeQuota) setDeny(deny bool) {
	f.mu.Lock()
	f.deny = deny
	f.mu.Unlock()
}

func (f *fakeQuota) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEdge struct {
	server *Server
	http   *httptest.Server
	dir    *fakeDirectory
	quota  *fakeQuota
}

// newTestEdge serves an edge with users alice (owns foo, chat), bob (owns
// bar) and carol (owns nothing).
func newTestEdge(t *testing.T, mutate func(*config.ServerConfig)) *testEdge {
	t.Helper()

	cfg := config.DefaultServerConfig()
	cfg.BaseDomains = []string{testBase}
	cfg.RequestTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.DomainCacheTTL = time.Minute
	cfg.CleanupInterval = time.Minute
	cfg.MaxBodyBytes = 1 << 20
	cfg.ExemptPrincipals = nil
	cfg.Compress = true
	cfg.Metrics = true
	if mutate != nil {
		mutate(&cfg)
	}

	ident := &fakeIdentity{principals: map[string]domain.Principal{
		"alice-token": {ID: "u-alice", Email: "alice@example.com", Name: "Alice"},
		"bob-token":   {ID: "u-bob", Email: "bob@example.com"},
		"carol-token": {ID: "u-carol", Email: "carol@example.com"},
	}}
	dir := &fakeDirectory{records: map[string]domain.DomainRecord{
		"foo":  {Name: "foo", OwnerID: "u-alice", OwnerEmail: "alice@example.com"},
		"chat": {Name: "chat", OwnerID: "u-alice", OwnerEmail: "alice@example.com"},
		"bar":  {Name: "bar", OwnerID: "u-bob", OwnerEmail: "bob@example.com"},
	}}
	quota := &fakeQuota{}

	s := New(cfg, Deps{Identity: ident, Directory: dir, Quota: quota}, log.Discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &testEdge{server: s, http: ts, dir: dir, quota: quota}
}

func (e *testEdge) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// request sends a request to e as if it arrived for sub.<base>.
func (e *testEdge) request(method, sub, path, body string) (*http.Response, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Host = sub + "." + testBase
	return e.http.Client().Do(req)
}

func (e *testEdge) publicRequest(t *testing.T, method, sub, path, body string) *http.Response {
	t.Helper()
	resp, err := e.request(method, sub, path, body)
	if err != nil {
		t.Fatalf("public request: %v", err)
	}
	return resp
}

// requestAsync runs the request in the background and delivers its status
// and body; status is 0 when the request failed.
func (e *testEdge) requestAsync(method, sub, path, body string) <-chan publicResult {
	out := make(chan publicResult, 1)
	go func() {
		resp, err := e.request(method, sub, path, body)
		if err != nil {
			out <- publicResult{}
			return
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(resp.Body)
		out <- publicResult{status: resp.StatusCode, header: resp.Header, body: b}
	}()
	return out
}

type publicResult struct {
	status int
	header http.Header
	body   []byte
}

func (e *testEdge) dialPublicWS(path, sub string) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	h.Set("Host", sub+"."+testBase)
	return websocket.DefaultDialer.Dial(e.wsURL(path), h)
}

// scriptedAgent is a hand-driven agent control connection.
type scriptedAgent struct {
	conn    *websocket.Conn
	codec   *relayproto.Codec
	writeMu sync.Mutex
	envs    chan relayproto.Envelope
	closed  chan struct{}
	readErr error
}

func dialScriptedAgent(e *testEdge, query string) (*scriptedAgent, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL("/ws?"+query), nil)
	if err != nil {
		return nil, resp, err
	}
	a := &scriptedAgent{
		conn:   conn,
		codec:  relayproto.NewCodec(false),
		envs:   make(chan relayproto.Envelope, 64),
		closed: make(chan struct{}),
	}
	go a.readLoop()
	return a, resp, nil
}

func mustDialScriptedAgent(t *testing.T, e *testEdge, query string) *scriptedAgent {
	t.Helper()
	a, _, err := dialScriptedAgent(e, query)
	if err != nil {
		t.Fatalf("agent dial: %v", err)
	}
	t.Cleanup(func() { _ = a.conn.Close() })
	a.expect(t, relayproto.TypeConnectionEstablished)
	return a
}

func (a *scriptedAgent) readLoop() {
	defer close(a.closed)
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			a.readErr = err
			return
		}
		env, err := a.codec.Decode(mt, data)
		if err != nil {
			continue
		}
		a.envs <- env
	}
}

// expect waits for the next envelope of typ, skipping keepalive and
// metadata traffic.
func (a *scriptedAgent) expect(t *testing.T, typ string) relayproto.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-a.envs:
			if env.Type == typ {
				return env
			}
		case <-a.closed:
			t.Fatalf("agent connection closed while waiting for %s: %v", typ, a.readErr)
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (a *scriptedAgent) send(t *testing.T, typ string, data any) {
	t.Helper()
	env, err := relayproto.NewEnvelope(typ, data)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	mt, payload, err := a.codec.Encode(env)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteMessage(mt, payload); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func (a *scriptedAgent) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case <-a.closed:
		return a.readErr
	case <-time.After(5 * time.Second):
		t.Fatalf("agent connection was not closed")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
