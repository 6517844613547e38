// Package relayproto defines the envelope protocol exchanged between the
// a2rok edge and its agents over the persistent control websocket.
package relayproto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope types identify the payload carried in [Envelope.Data].
const (
	TypeConnectionEstablished = "connection_established"
	TypeHeartbeat             = "heartbeat"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeDomainMetadata        = "domain_metadata"
	TypeSubdomainRequest      = "subdomain_request"
	TypeSubdomainResponse     = "subdomain_response"
	TypePendingIncomingWS     = "pending_incoming_ws_connection"
	TypeWSIncomingMessage     = "ws_incoming_message"
	TypeWSOutgoingMessage     = "ws_outgoing_message"
	TypeWSTunnelReady         = "ws_tunnel_ready"
	TypeWSTunnelClosed        = "ws_tunnel_closed"
	TypeDisconnect            = "disconnect"
)

// ErrEmptyType is returned when an envelope carries no type.
var ErrEmptyType = errors.New("envelope type is empty")

// Envelope is the top-level message exchanged on the control connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(typ string, data any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrEmptyType
	}
	if data == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// MustEnvelope is like [NewEnvelope] but panics on marshal failure. It is
// meant for payload types that always marshal.
func MustEnvelope(typ string, data any) Envelope {
	env, err := NewEnvelope(typ, data)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}

// User describes the authenticated principal of a control connection.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ConnectionEstablished is sent by the edge once a control connection is
// registered for a domain.
type ConnectionEstablished struct {
	OwnerID   string `json:"ownerId"`
	User      User   `json:"user"`
	Domain    string `json:"domain"`
	PublicURL string `json:"publicUrl,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat is the periodic edge liveness signal; Ping/Pong share its shape.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// DomainMetadata carries the per-domain counters pushed after each change:
// TTL is total requests dispatched, OPN is requests still in flight.
type DomainMetadata struct {
	TTL uint64 `json:"ttl"`
	OPN uint64 `json:"opn"`
}

// SubdomainRequest is a public HTTP exchange relayed to the agent.
type SubdomainRequest struct {
	CorrelationID    string              `json:"correlationId"`
	Domain           string              `json:"domain"`
	Port             int                 `json:"port,omitempty"`
	Protocol         string              `json:"protocol,omitempty"`
	Link             string              `json:"link,omitempty"`
	Method           string              `json:"method"`
	Path             string              `json:"path"`
	URL              string              `json:"url"`
	Query            map[string][]string `json:"query,omitempty"`
	Headers          map[string][]string `json:"headers,omitempty"`
	RawBody          string              `json:"rawBody,omitempty"`
	Body             json.RawMessage     `json:"body,omitempty"`
	OriginalHost     string              `json:"originalHost,omitempty"`
	OriginalProtocol string              `json:"originalProtocol,omitempty"`
	Secure           bool                `json:"secure"`
	IP               string              `json:"ip,omitempty"`
	Hostname         string              `json:"hostname,omitempty"`
	Timestamp        int64               `json:"timestamp"`
}

// SubdomainResponse is the agent's reply to a [SubdomainRequest]. Body is a
// JSON value for JSON replies, a JSON string for text replies, or a base64
// JSON string when IsBase64 is set.
type SubdomainResponse struct {
	CorrelationID string              `json:"correlationId"`
	Domain        string              `json:"domain,omitempty"`
	Port          int                 `json:"port,omitempty"`
	Status        int                 `json:"status"`
	StatusText    string              `json:"statusText,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          json.RawMessage     `json:"body,omitempty"`
	ContentType   string              `json:"contentType,omitempty"`
	IsBase64      bool                `json:"isBase64,omitempty"`
}

// BodyBytes returns the decoded reply body.
func (r SubdomainResponse) BodyBytes() ([]byte, error) {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return nil, nil
	}
	if r.IsBase64 {
		var s string
		if err := json.Unmarshal(r.Body, &s); err != nil {
			return nil, fmt.Errorf("base64 body: %w", err)
		}
		return DecodeBody(s)
	}
	if r.Body[0] == '"' {
		var s string
		if err := json.Unmarshal(r.Body, &s); err != nil {
			return nil, fmt.Errorf("text body: %w", err)
		}
		return []byte(s), nil
	}
	return []byte(r.Body), nil
}

// PendingIncomingWS asks the agent to open its local websocket for a
// public tunnel socket waiting on the edge. TunnelID names that socket;
// every later envelope of the tunnel echoes it.
type PendingIncomingWS struct {
	TunnelID  string `json:"tunnelId,omitempty"`
	Domain    string `json:"domain"`
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// WSIncomingMessage carries a frame from the public socket to the agent.
type WSIncomingMessage struct {
	TunnelID    string `json:"tunnelId,omitempty"`
	MessageData string `json:"messageData"`
	IsBinary    bool   `json:"isBinary,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// WSOutgoingMessage carries a frame from the agent's local socket to the
// public socket of Domain.
type WSOutgoingMessage struct {
	TunnelID    string `json:"tunnelId,omitempty"`
	MessageData string `json:"messageData"`
	Domain      string `json:"domain"`
	IsBinary    bool   `json:"isBinary,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// WSTunnelReady is sent by the agent once its local websocket is open.
type WSTunnelReady struct {
	TunnelID string `json:"tunnelId,omitempty"`
	Domain   string `json:"domain"`
}

// WSTunnelClosed is sent by whichever side lost its socket first.
type WSTunnelClosed struct {
	TunnelID string `json:"tunnelId,omitempty"`
	Domain   string `json:"domain"`
	Reason   string `json:"reason,omitempty"`
}

// Disconnect announces a graceful close of the control connection.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// EncodeFrame converts a websocket frame into its envelope form.
func EncodeFrame(messageType int, data []byte) (messageData string, isBinary bool) {
	if messageType == websocket.BinaryMessage {
		return base64.StdEncoding.EncodeToString(data), true
	}
	return string(data), false
}

// DecodeFrame is the inverse of [EncodeFrame].
func DecodeFrame(messageData string, isBinary bool) (int, []byte, error) {
	if !isBinary {
		return websocket.TextMessage, []byte(messageData), nil
	}
	b, err := base64.StdEncoding.DecodeString(messageData)
	if err != nil {
		return 0, nil, fmt.Errorf("binary frame: %w", err)
	}
	return websocket.BinaryMessage, b, nil
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// CloneHeaders returns a deep copy of an HTTP header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
