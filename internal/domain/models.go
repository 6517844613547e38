// Package domain defines the core data types shared across the a2rok edge,
// agent, and store layers.
package domain

import "time"

// Protocol names the kind of local service an agent exposes.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolWS   Protocol = "ws"
	ProtocolWSS  Protocol = "wss"
)

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolWS, ProtocolWSS:
		return true
	}
	return false
}

// WebSocket reports whether the protocol tunnels a websocket stream.
func (p Protocol) WebSocket() bool {
	return p == ProtocolWS || p == ProtocolWSS
}

// DefaultQuotaTotal is the request allowance granted to new principals.
const DefaultQuotaTotal = 10000

// Principal is an authenticated owner of domains.
type Principal struct {
	ID         string
	Email      string
	Name       string
	QuotaTotal int64 // -1 = unlimited
	QuotaUsed  int64
	CreatedAt  time.Time
}

// DomainRecord is a registered subdomain and its owner.
type DomainRecord struct {
	Name       string
	OwnerID    string
	OwnerEmail string
	CreatedAt  time.Time
}
