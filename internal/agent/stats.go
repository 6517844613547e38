package agent

import (
	"sync"
	"time"

	"github.com/a2rok/a2rok/internal/relayproto"
)

const recentLimit = 10

// Stats is a point-in-time view of the agent.
type Stats struct {
	Connected   bool      `json:"connected"`
	Domain      string    `json:"domain"`
	PublicURL   string    `json:"publicUrl"`
	OwnerEmail  string    `json:"ownerEmail"`
	ConnectedAt time.Time `json:"connectedAt"`
	Reconnects  int       `json:"reconnects"`
	// TTL and OPN mirror the last domain_metadata pushed by the edge.
	TTL      uint64          `json:"ttl"`
	OPN      uint64          `json:"opn"`
	Requests []RequestRecord `json:"requests"`
	Messages []MessageRecord `json:"messages"`
}

// RequestRecord describes one forwarded HTTP request.
type RequestRecord struct {
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// MessageRecord describes one relayed websocket frame.
type MessageRecord struct {
	// Direction is "in" for edge to local and "out" for local to edge.
	Direction string    `json:"direction"`
	Size      int       `json:"size"`
	Binary    bool      `json:"binary"`
	At        time.Time `json:"at"`
}

type statsTracker struct {
	mu       sync.Mutex
	cur      Stats
	sessions int
}

func newStatsTracker() *statsTracker {
	return &statsTracker{}
}

func (t *statsTracker) established(msg relayproto.ConnectionEstablished) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions++
	t.cur.Connected = true
	t.cur.Domain = msg.Domain
	t.cur.PublicURL = msg.PublicURL
	t.cur.OwnerEmail = msg.User.Email
	t.cur.ConnectedAt = time.Now()
	t.cur.Reconnects = max(t.sessions-1, 0)
}

func (t *statsTracker) disconnected() {
	t.mu.Lock()
	t.cur.Connected = false
	t.mu.Unlock()
}

func (t *statsTracker) metadata(m relayproto.DomainMetadata) {
	t.mu.Lock()
	t.cur.TTL = m.TTL
	t.cur.OPN = m.OPN
	t.mu.Unlock()
}

func (t *statsTracker) request(rec RequestRecord) {
	t.mu.Lock()
	t.cur.Requests = appendRecent(t.cur.Requests, rec)
	t.mu.Unlock()
}

func (t *statsTracker) message(rec MessageRecord) {
	t.mu.Lock()
	t.cur.Messages = appendRecent(t.cur.Messages, rec)
	t.mu.Unlock()
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.cur
	out.Requests = append([]RequestRecord(nil), t.cur.Requests...)
	out.Messages = append([]MessageRecord(nil), t.cur.Messages...)
	return out
}

func appendRecent[T any](list []T, v T) []T {
	list = append(list, v)
	if len(list) > recentLimit {
		list = append(list[:0:0], list[len(list)-recentLimit:]...)
	}
	return list
}
