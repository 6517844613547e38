package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/a2rok/a2rok/internal/log"
	"github.com/a2rok/a2rok/internal/relayproto"
)

type fakeSocket struct {
	mu     sync.Mutex
	sent   []relayproto.Envelope
	closed string
	down   bool
}

func (f *fakeSocket) Send(env relayproto.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SendStream(env relayproto.Envelope) error { return f.Send(env) }

func (f *fakeSocket) Close(reason string) error {
	f.mu.Lock()
	f.closed = reason
	f.down = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeSocket) lastMetadata(t *testing.T) relayproto.DomainMetadata {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == relayproto.TypeDomainMetadata {
			var meta relayproto.DomainMetadata
			if err := f.sent[i].DecodeData(&meta); err != nil {
				t.Fatalf("decode metadata: %v", err)
			}
			return meta
		}
	}
	t.Fatal("no domain_metadata pushed")
	return relayproto.DomainMetadata{}
}

func newConn(domainName, owner string) (*Connection, *fakeSocket) {
	sock := &fakeSocket{}
	return &Connection{Domain: domainName, OwnerID: owner, Socket: sock}, sock
}

func TestRegisterSupersedesPreviousConnection(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	var evicted []string
	r.OnEvict(func(c *Connection, reason string) {
		evicted = append(evicted, c.Domain+":"+reason)
	})

	first, firstSock := newConn("foo", "owner-1")
	second, _ := newConn("foo", "owner-1")

	if prev := r.Register(first); prev != nil {
		t.Fatalf("unexpected previous connection %+v", prev)
	}
	if prev := r.Register(second); prev != first {
		t.Fatalf("expected first connection to be superseded, got %+v", prev)
	}

	got, ok := r.Lookup("foo")
	if !ok || got != second {
		t.Fatalf("lookup returned %+v, %v", got, ok)
	}
	if firstSock.Open() || firstSock.closed == "" {
		t.Fatal("expected superseded socket to be closed")
	}
	if len(evicted) != 1 || evicted[0] != "foo:"+ReasonSuperseded {
		t.Fatalf("unexpected evictions %v", evicted)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestReleaseIgnoresStaleConnection(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	first, _ := newConn("foo", "owner-1")
	second, _ := newConn("foo", "owner-1")
	r.Register(first)
	r.Register(second)

	if r.Release(first) {
		t.Fatal("stale release must not evict the successor")
	}
	if got, _ := r.Lookup("foo"); got != second {
		t.Fatal("successor was evicted")
	}
	if !r.Release(second) {
		t.Fatal("expected release of live connection")
	}
	if _, ok := r.Lookup("foo"); ok {
		t.Fatal("expected domain to be gone")
	}
}

func TestUnregisterIsOwnerChecked(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	c, _ := newConn("foo", "owner-1")
	r.Register(c)
	r.Dispatched(c)

	if r.Unregister("foo", "owner-2") {
		t.Fatal("unregister with wrong owner must be a no-op")
	}
	if _, ok := r.Lookup("foo"); !ok {
		t.Fatal("connection removed by wrong owner")
	}

	var cascaded bool
	r.OnEvict(func(*Connection, string) { cascaded = true })
	if !r.Unregister("foo", "owner-1") {
		t.Fatal("expected unregister to remove the connection")
	}
	if !cascaded {
		t.Fatal("expected evict hooks to run")
	}
	if _, ok := r.Metadata("foo"); ok {
		t.Fatal("expected metadata to be destroyed with the connection")
	}
	if r.IsOwnerConnected("owner-1") {
		t.Fatal("owner should no longer be connected")
	}
}

func TestMetadataCountersArePushed(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	c, sock := newConn("foo", "owner-1")
	r.Register(c)

	r.Dispatched(c)
	r.Dispatched(c)
	if meta := sock.lastMetadata(t); meta.TTL != 2 || meta.OPN != 2 {
		t.Fatalf("after dispatch: %+v", meta)
	}
	r.Completed(c)
	if meta := sock.lastMetadata(t); meta.TTL != 2 || meta.OPN != 1 {
		t.Fatalf("after completion: %+v", meta)
	}
	r.Completed(c)
	r.Completed(c)
	if meta, _ := r.Metadata("foo"); meta.OPN != 0 {
		t.Fatalf("opn went below zero: %+v", meta)
	}
}

func TestCountersIgnoreSupersededConnection(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	old, _ := newConn("foo", "owner-1")
	r.Register(old)
	r.Dispatched(old)

	fresh, _ := newConn("foo", "owner-1")
	r.Register(fresh)
	if _, ok := r.Completed(old); ok {
		t.Fatal("completion for superseded connection must be ignored")
	}
	if meta, _ := r.Metadata("foo"); meta.TTL != 0 || meta.OPN != 0 {
		t.Fatalf("successor counters disturbed: %+v", meta)
	}
}

func TestOwnerIndex(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	a, _ := newConn("alpha", "owner-1")
	b, bSock := newConn("beta", "owner-1")
	c, _ := newConn("gamma", "owner-2")
	r.Register(a)
	r.Register(b)
	r.Register(c)

	got := r.OwnerDomains("owner-1")
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("owner domains = %v", got)
	}
	r.Release(a)
	_ = bSock.Close("test")
	if r.IsOwnerConnected("owner-1") {
		t.Fatal("closed socket must not count as connected")
	}
	if !r.IsOwnerConnected("owner-2") {
		t.Fatal("owner-2 should be connected")
	}
}

func TestOwnerChangeOnSupersede(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	a, _ := newConn("foo", "owner-1")
	b, _ := newConn("foo", "owner-2")
	r.Register(a)
	r.Register(b)
	if len(r.OwnerDomains("owner-1")) != 0 {
		t.Fatal("previous owner still indexed")
	}
	if len(r.OwnerDomains("owner-2")) != 1 {
		t.Fatal("new owner not indexed")
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	var socks []*fakeSocket
	for i := range 5 {
		c, s := newConn(fmt.Sprintf("d%d", i), "owner")
		r.Register(c)
		socks = append(socks, s)
	}
	r.CloseAll("server shutting down")
	if r.Len() != 0 {
		t.Fatalf("len = %d after CloseAll", r.Len())
	}
	for _, s := range socks {
		if s.Open() {
			t.Fatal("socket left open")
		}
	}
}

func TestConcurrentDispatchCounts(t *testing.T) {
	t.Parallel()

	r := New(log.Discard())
	c, _ := newConn("foo", "owner")
	r.Register(c)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatched(c)
			r.Completed(c)
		}()
	}
	wg.Wait()

	meta, _ := r.Metadata("foo")
	if meta.TTL != 50 || meta.OPN != 0 {
		t.Fatalf("unexpected counters %+v", meta)
	}
}
