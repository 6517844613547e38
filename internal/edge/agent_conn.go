package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/netutil"
	"github.com/a2rok/a2rok/internal/registry"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const agentWriteTimeout = 15 * time.Second

// agentSocket is the registry-facing write side of one control connection.
type agentSocket struct {
	conn      *websocket.Conn
	pump      *relayproto.WritePump
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newAgentSocket(conn *websocket.Conn, codec *relayproto.Codec) *agentSocket {
	return &agentSocket{
		conn: conn,
		pump: relayproto.NewWritePump(conn, codec, agentWriteTimeout, 64, 256),
		done: make(chan struct{}),
	}
}

func (a *agentSocket) Send(env relayproto.Envelope) error {
	return a.pump.Send(env)
}

func (a *agentSocket) SendStream(env relayproto.Envelope) error {
	return a.pump.SendStream(env)
}

func (a *agentSocket) Open() bool {
	return !a.closed.Load() && !a.pump.Closed()
}

func (a *agentSocket) Close(reason string) error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.done)
		closeWithReason(a.conn, websocket.CloseNormalClosure, reason)
		a.pump.Close()
	})
	return nil
}

type connectParams struct {
	token    string
	domain   string
	port     int
	protocol domain.Protocol
	link     string
}

func parseConnectParams(r *http.Request) (connectParams, error) {
	q := r.URL.Query()
	p := connectParams{
		token:    strings.TrimSpace(q.Get("token")),
		domain:   strings.ToLower(strings.TrimSpace(q.Get("domain"))),
		protocol: domain.Protocol(strings.ToLower(strings.TrimSpace(q.Get("protocol")))),
		link:     strings.TrimSpace(q.Get("link")),
	}
	if p.token == "" {
		return p, errors.New("missing token")
	}
	if p.protocol == "" {
		p.protocol = domain.ProtocolHTTP
	}
	if !p.protocol.Valid() {
		return p, fmt.Errorf("invalid protocol %q", p.protocol)
	}
	if raw := strings.TrimSpace(q.Get("port")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return p, fmt.Errorf("invalid port %q", raw)
		}
		p.port = port
	}
	if p.protocol == domain.ProtocolHTTP && p.port == 0 {
		return p, errors.New("http agents must send a port")
	}
	if p.protocol.WebSocket() && p.link == "" {
		return p, errors.New("websocket agents must send a link")
	}
	if p.domain != "" && !netutil.ValidSubdomainLabel(p.domain) {
		return p, fmt.Errorf("invalid domain %q", p.domain)
	}
	return p, nil
}

func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		writeError(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}
	params, err := parseConnectParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, err := s.identity.ResolveAgentPrincipal(r.Context(), params.token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "Invalid authentication token")
			return
		}
		s.log.Error("agent authentication failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Authentication unavailable")
		return
	}
	domainName, status, msg := s.selectDomain(r.Context(), principal, params.domain)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	s.domains.invalidate(domainName)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	readLimit := s.cfg.MaxBodyBytes*2 + minWSReadLimit
	conn.SetReadLimit(readLimit)

	sock := newAgentSocket(conn, s.codec)
	now := time.Now()
	c := &registry.Connection{
		SessionID:   uuid.NewString(),
		Domain:      domainName,
		OwnerID:     principal.ID,
		OwnerEmail:  principal.Email,
		Port:        params.port,
		Protocol:    params.protocol,
		Link:        params.link,
		Socket:      sock,
		ConnectedAt: now,
	}
	c.Touch(now)
	s.registry.Register(c)
	s.metrics.AgentConnections.Inc()
	s.log.Info("agent connected", "domain", domainName, "owner_id", principal.ID, "session_id", c.SessionID, "protocol", params.protocol)

	established := relayproto.MustEnvelope(relayproto.TypeConnectionEstablished, relayproto.ConnectionEstablished{
		OwnerID:   principal.ID,
		User:      relayproto.User{ID: principal.ID, Email: principal.Email, Name: principal.Name},
		Domain:    domainName,
		PublicURL: s.publicURL(domainName),
		Timestamp: relayproto.NowMillis(),
	})
	if err := sock.Send(established); err != nil {
		s.log.Warn("failed to confirm agent connection", "domain", domainName, "err", err)
	}
	s.registry.PushMetadata(c)

	if !s.track(2) {
		_ = sock.Close("server shutting down")
		s.registry.Release(c)
		return
	}
	go func() {
		defer s.wg.Done()
		s.heartbeatLoop(c, sock)
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c, sock)
	}()
}

// selectDomain picks the domain a new control connection binds to. A
// non-zero status rejects the handshake with msg.
func (s *Server) selectDomain(ctx context.Context, p domain.Principal, requested string) (string, int, string) {
	owned, err := s.directory.ListOwnerDomains(ctx, p.ID)
	if err != nil {
		s.log.Error("list owner domains failed", "owner_id", p.ID, "err", err)
		return "", http.StatusInternalServerError, "Domain lookup unavailable"
	}
	if requested != "" {
		if slices.Contains(owned, requested) {
			return requested, 0, ""
		}
		return "", http.StatusNotFound, "Requested domain not found for this user"
	}
	for _, name := range owned {
		if _, live := s.registry.Lookup(name); !live {
			return name, 0, ""
		}
	}
	if len(owned) > 0 {
		return "", http.StatusConflict, "All domains for this user are already connected"
	}
	name, err := s.directory.CreateDomain(ctx, p.ID)
	if err != nil {
		s.log.Error("create domain failed", "owner_id", p.ID, "err", err)
		return "", http.StatusInternalServerError, "Failed to create domain"
	}
	s.log.Info("domain created", "domain", name, "owner_id", p.ID)
	return name, 0, ""
}

func (s *Server) publicURL(domainName string) string {
	if len(s.cfg.BaseDomains) == 0 {
		return ""
	}
	return s.cfg.PublicScheme() + "://" + domainName + "." + s.cfg.BaseDomains[0]
}

func (s *Server) heartbeatLoop(c *registry.Connection, sock *agentSocket) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sock.done:
			return
		case now := <-ticker.C:
			env := relayproto.MustEnvelope(relayproto.TypeHeartbeat, relayproto.Heartbeat{Timestamp: now.UnixMilli()})
			if err := sock.Send(env); err != nil {
				s.log.Debug("heartbeat failed", "domain", c.Domain, "err", err)
				continue
			}
			c.Touch(now)
		}
	}
}

func (s *Server) readLoop(c *registry.Connection, sock *agentSocket) {
	defer func() {
		_ = sock.Close("connection closed")
		s.registry.Release(c)
	}()

	for {
		messageType, data, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("agent read error", "domain", c.Domain, "err", err)
			}
			return
		}
		c.Touch(time.Now())

		env, err := s.codec.Decode(messageType, data)
		if err != nil {
			s.log.Warn("dropping malformed envelope", "domain", c.Domain, "err", err)
			continue
		}
		if !s.handleAgentEnvelope(c, sock, env) {
			return
		}
	}
}

// handleAgentEnvelope reports false when the agent asked to disconnect.
func (s *Server) handleAgentEnvelope(c *registry.Connection, sock *agentSocket, env relayproto.Envelope) bool {
	switch env.Type {
	case relayproto.TypeSubdomainResponse:
		var resp relayproto.SubdomainResponse
		if err := env.DecodeData(&resp); err != nil {
			s.log.Warn("invalid agent reply", "domain", c.Domain, "err", err)
			return true
		}
		if !s.pending.Fulfill(resp.CorrelationID, c.SessionID, resp) {
			s.log.Debug("dropping reply for unknown correlation id", "domain", c.Domain, "correlation_id", resp.CorrelationID)
		}
	case relayproto.TypePing:
		pong := relayproto.MustEnvelope(relayproto.TypePong, relayproto.Heartbeat{Timestamp: relayproto.NowMillis()})
		if err := sock.Send(pong); err != nil {
			s.log.Debug("pong failed", "domain", c.Domain, "err", err)
		}
	case relayproto.TypeHeartbeat, relayproto.TypePong:
	case relayproto.TypeWSOutgoingMessage:
		var msg relayproto.WSOutgoingMessage
		if err := env.DecodeData(&msg); err != nil {
			s.log.Warn("invalid websocket frame from agent", "domain", c.Domain, "err", err)
			return true
		}
		s.tunnels.fromAgent(s, c, msg)
	case relayproto.TypeWSTunnelReady:
		var msg relayproto.WSTunnelReady
		_ = env.DecodeData(&msg)
		s.tunnels.accept(s, c, msg)
	case relayproto.TypeWSTunnelClosed:
		var msg relayproto.WSTunnelClosed
		_ = env.DecodeData(&msg)
		s.tunnels.agentClosed(s, c, msg)
	case relayproto.TypeDisconnect:
		var msg relayproto.Disconnect
		_ = env.DecodeData(&msg)
		s.log.Info("agent requested disconnect", "domain", c.Domain, "reason", msg.Reason)
		return false
	default:
		s.log.Debug("ignoring unknown envelope", "domain", c.Domain, "type", env.Type)
	}
	return true
}
