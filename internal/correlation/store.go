// Package correlation pairs relayed public requests with the agent replies
// that complete them. Each pending entry is opened once, filled at most
// once, and consumed at most once.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/relayproto"
)

// DefaultTimeout is how long a public request waits for its reply.
const DefaultTimeout = 60 * time.Second

const shardCount = 32

// ErrUnknownID is returned by Await for ids that are not pending.
var ErrUnknownID = errors.New("correlation id not pending")

// Store holds pending requests keyed by correlation id.
type Store struct {
	shards [shardCount]storeShard
}

type storeShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	domain    string
	group     string
	createdAt time.Time
	ready     chan struct{}
	gone      chan struct{}
	resp      relayproto.SubdomainResponse
	filled    bool
	release   func()
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Store) shard(id string) *storeShard {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= fnvPrime32
	}
	return &s.shards[h%shardCount]
}

// Open registers a pending request for domainName relayed over the control
// connection identified by group. release runs exactly once when the entry
// leaves the store, whether consumed, timed out, or abandoned.
func (s *Store) Open(id, domainName, group string, release func()) error {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[id]; exists {
		return domain.ErrDuplicateCorrelationID
	}
	sh.entries[id] = &entry{
		domain:    domainName,
		group:     group,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		gone:      make(chan struct{}),
		release:   release,
	}
	return nil
}

// Fulfill stores the reply for id when it arrived on the connection that
// carried the request. Replies for unknown, already filled, or foreign ids
// are dropped and Fulfill returns false.
func (s *Store) Fulfill(id, group string, resp relayproto.SubdomainResponse) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok || e.filled || (e.group != "" && e.group != group) {
		return false
	}
	e.resp = resp
	e.filled = true
	close(e.ready)
	return true
}

// TryConsume atomically takes a filled reply and deletes the entry. At most
// one caller ever receives a given reply.
func (s *Store) TryConsume(id string) (relayproto.SubdomainResponse, bool) {
	sh := s.shard(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok || !e.filled {
		sh.mu.Unlock()
		return relayproto.SubdomainResponse{}, false
	}
	delete(sh.entries, id)
	sh.mu.Unlock()

	e.finish()
	return e.resp, true
}

// Await blocks until the reply for id is consumed, the timeout elapses, or
// ctx is done. On timeout or cancellation the entry is abandoned.
func (s *Store) Await(ctx context.Context, id string, timeout time.Duration) (relayproto.SubdomainResponse, error) {
	sh := s.shard(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	sh.mu.Unlock()
	if !ok {
		return relayproto.SubdomainResponse{}, ErrUnknownID
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ready:
		if resp, ok := s.TryConsume(id); ok {
			return resp, nil
		}
		return relayproto.SubdomainResponse{}, domain.ErrRelayAbandoned
	case <-e.gone:
		return relayproto.SubdomainResponse{}, domain.ErrRelayAbandoned
	case <-timer.C:
		s.Abandon(id)
		return relayproto.SubdomainResponse{}, domain.ErrRelayTimeout
	case <-ctx.Done():
		s.Abandon(id)
		return relayproto.SubdomainResponse{}, ctx.Err()
	}
}

// Abandon drops a pending entry without a reply.
func (s *Store) Abandon(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if ok {
		delete(sh.entries, id)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	e.abandon()
	return true
}

// AbandonGroup drops every unfilled entry relayed over group and reports
// how many were dropped.
func (s *Store) AbandonGroup(group string) int {
	var dropped []*entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.group == group && !e.filled {
				delete(sh.entries, id)
				dropped = append(dropped, e)
			}
		}
		sh.mu.Unlock()
	}
	for _, e := range dropped {
		e.abandon()
	}
	return len(dropped)
}

// Sweep abandons entries older than maxAge. Awaiters normally clean up
// after themselves; this catches entries whose waiter never started.
func (s *Store) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var dropped []*entry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.createdAt.Before(cutoff) {
				delete(sh.entries, id)
				dropped = append(dropped, e)
			}
		}
		sh.mu.Unlock()
	}
	for _, e := range dropped {
		e.abandon()
	}
	return len(dropped)
}

// Pending reports whether id is still in the store.
func (s *Store) Pending(id string) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	_, ok := sh.entries[id]
	sh.mu.Unlock()
	return ok
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// finish and abandon run once per entry: callers only reach them after
// deleting the entry under the shard lock.
func (e *entry) finish() {
	if e.release != nil {
		e.release()
	}
}

func (e *entry) abandon() {
	close(e.gone)
	e.finish()
}
