// Package registry tracks the live agent control connection of every
// domain, the per-owner index of connected domains, and the per-domain
// request counters pushed back to agents.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const shardCount = 16

// Eviction reasons passed to [EvictHook] callbacks.
const (
	ReasonSuperseded   = "superseded"
	ReasonDisconnected = "disconnected"
	ReasonUnregistered = "unregistered"
	ReasonShutdown     = "shutdown"
)

// Socket is the write side of an agent control connection.
type Socket interface {
	// Send writes a control or HTTP relay envelope.
	Send(env relayproto.Envelope) error
	// SendStream writes a websocket tunnel envelope in FIFO order.
	SendStream(env relayproto.Envelope) error
	// Close terminates the connection with a human readable reason.
	Close(reason string) error
	// Open reports whether the connection can still carry envelopes.
	Open() bool
}

// Connection is one authenticated agent control connection bound to a domain.
type Connection struct {
	SessionID   string
	Domain      string
	OwnerID     string
	OwnerEmail  string
	Port        int
	Protocol    domain.Protocol
	Link        string
	Socket      Socket
	ConnectedAt time.Time

	lastActivity atomic.Int64
}

// Touch records activity on the connection.
func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// LastActivity returns the time of the most recent recorded activity.
func (c *Connection) LastActivity() time.Time {
	v := c.lastActivity.Load()
	if v == 0 {
		return c.ConnectedAt
	}
	return time.Unix(0, v)
}

// EvictHook runs after a connection leaves the registry.
type EvictHook func(c *Connection, reason string)

// Registry maps domains to their live connection. Each domain has at most
// one entry; registering a domain again supersedes the previous connection.
type Registry struct {
	shards [shardCount]registryShard
	log    *slog.Logger

	// ownersMu nests inside a shard lock, never the other way round.
	ownersMu sync.RWMutex
	owners   map[string]map[string]struct{}

	hooksMu sync.RWMutex
	hooks   []EvictHook
}

type registryShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	conn *Connection
	meta relayproto.DomainMetadata
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		log:    logger,
		owners: make(map[string]map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shard(domainName string) *registryShard {
	return &r.shards[shardIndex(domainName)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}

// OnEvict registers a hook that runs whenever a connection is removed.
func (r *Registry) OnEvict(hook EvictHook) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hooksMu.Unlock()
}

// Register makes c the live connection for c.Domain with fresh counters.
// A previous connection for the domain is evicted, closed, and returned.
func (r *Registry) Register(c *Connection) *Connection {
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now()
	}
	s := r.shard(c.Domain)
	s.mu.Lock()
	var prev *Connection
	if old, ok := s.entries[c.Domain]; ok {
		prev = old.conn
	}
	s.entries[c.Domain] = &entry{conn: c}
	if prev != nil && prev.OwnerID != c.OwnerID {
		r.untrackOwner(prev.OwnerID, prev.Domain)
	}
	r.trackOwner(c.OwnerID, c.Domain)
	s.mu.Unlock()

	if prev != nil && prev != c {
		r.log.Info("connection superseded", "domain", c.Domain, "session_id", prev.SessionID)
		r.runHooks(prev, ReasonSuperseded)
		if prev.Socket != nil {
			_ = prev.Socket.Close("superseded by a newer connection")
		}
	}
	return prev
}

// Lookup returns the live connection for domainName.
func (r *Registry) Lookup(domainName string) (*Connection, bool) {
	s := r.shard(domainName)
	s.mu.RLock()
	e, ok := s.entries[domainName]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Unregister removes the domain's connection only when it belongs to
// expectedOwnerID. It reports whether an entry was removed.
func (r *Registry) Unregister(domainName, expectedOwnerID string) bool {
	return r.evict(domainName, ReasonUnregistered, func(c *Connection) bool {
		return c.OwnerID == expectedOwnerID
	})
}

// Release removes c only while it is still the live connection of its
// domain, so a stale disconnect never evicts a successor.
func (r *Registry) Release(c *Connection) bool {
	if c == nil {
		return false
	}
	return r.evict(c.Domain, ReasonDisconnected, func(cur *Connection) bool {
		return cur == c
	})
}

func (r *Registry) evict(domainName, reason string, match func(*Connection) bool) bool {
	s := r.shard(domainName)
	s.mu.Lock()
	e, ok := s.entries[domainName]
	if !ok || !match(e.conn) {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, domainName)
	r.untrackOwner(e.conn.OwnerID, domainName)
	s.mu.Unlock()

	r.runHooks(e.conn, reason)
	return true
}

// CloseAll evicts and closes every connection.
func (r *Registry) CloseAll(reason string) {
	var conns []*Connection
	r.Range(func(c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	for _, c := range conns {
		if r.evict(c.Domain, ReasonShutdown, func(cur *Connection) bool { return cur == c }) && c.Socket != nil {
			_ = c.Socket.Close(reason)
		}
	}
}

// IsOwnerConnected reports whether any domain of ownerID has an open
// connection.
func (r *Registry) IsOwnerConnected(ownerID string) bool {
	for _, d := range r.OwnerDomains(ownerID) {
		if c, ok := r.Lookup(d); ok && c.OwnerID == ownerID && (c.Socket == nil || c.Socket.Open()) {
			return true
		}
	}
	return false
}

// OwnerDomains lists the connected domains of ownerID in sorted order.
func (r *Registry) OwnerDomains(ownerID string) []string {
	r.ownersMu.RLock()
	set := r.owners[ownerID]
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	r.ownersMu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatched counts a request relayed over c: ttl and opn both grow by one.
// The updated counters are pushed to the agent. It returns false when c is
// no longer the live connection of its domain.
func (r *Registry) Dispatched(c *Connection) (relayproto.DomainMetadata, bool) {
	return r.mutate(c, func(m *relayproto.DomainMetadata) {
		m.TTL++
		m.OPN++
	})
}

// Completed ends a request relayed over c, decrementing opn without going
// below zero, and pushes the counters to the agent.
func (r *Registry) Completed(c *Connection) (relayproto.DomainMetadata, bool) {
	return r.mutate(c, func(m *relayproto.DomainMetadata) {
		if m.OPN > 0 {
			m.OPN--
		}
	})
}

func (r *Registry) mutate(c *Connection, fn func(*relayproto.DomainMetadata)) (relayproto.DomainMetadata, bool) {
	if c == nil {
		return relayproto.DomainMetadata{}, false
	}
	s := r.shard(c.Domain)
	s.mu.Lock()
	e, ok := s.entries[c.Domain]
	if !ok || e.conn != c {
		s.mu.Unlock()
		return relayproto.DomainMetadata{}, false
	}
	fn(&e.meta)
	snapshot := e.meta
	s.mu.Unlock()

	r.push(c, snapshot)
	return snapshot, true
}

// PushMetadata sends the current counters of c's domain to the agent.
func (r *Registry) PushMetadata(c *Connection) {
	meta, ok := r.Metadata(c.Domain)
	if !ok {
		return
	}
	r.push(c, meta)
}

func (r *Registry) push(c *Connection, meta relayproto.DomainMetadata) {
	if c.Socket == nil {
		return
	}
	env := relayproto.MustEnvelope(relayproto.TypeDomainMetadata, meta)
	if err := c.Socket.Send(env); err != nil {
		r.log.Debug("domain metadata push failed", "domain", c.Domain, "err", err)
	}
}

// Metadata returns the counters of domainName.
func (r *Registry) Metadata(domainName string) (relayproto.DomainMetadata, bool) {
	s := r.shard(domainName)
	s.mu.RLock()
	e, ok := s.entries[domainName]
	var meta relayproto.DomainMetadata
	if ok {
		meta = e.meta
	}
	s.mu.RUnlock()
	return meta, ok
}

// Range calls fn for each live connection until fn returns false.
func (r *Registry) Range(fn func(*Connection) bool) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		conns := make([]*Connection, 0, len(s.entries))
		for _, e := range s.entries {
			conns = append(conns, e.conn)
		}
		s.mu.RUnlock()
		for _, c := range conns {
			if !fn(c) {
				return
			}
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) trackOwner(ownerID, domainName string) {
	if ownerID == "" {
		return
	}
	r.ownersMu.Lock()
	set := r.owners[ownerID]
	if set == nil {
		set = make(map[string]struct{})
		r.owners[ownerID] = set
	}
	set[domainName] = struct{}{}
	r.ownersMu.Unlock()
}

func (r *Registry) untrackOwner(ownerID, domainName string) {
	r.ownersMu.Lock()
	defer r.ownersMu.Unlock()
	set := r.owners[ownerID]
	if set == nil {
		return
	}
	delete(set, domainName)
	if len(set) == 0 {
		delete(r.owners, ownerID)
	}
}

func (r *Registry) runHooks(c *Connection, reason string) {
	r.hooksMu.RLock()
	hooks := append([]EvictHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(c, reason)
	}
}
