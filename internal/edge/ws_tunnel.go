package edge

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/registry"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const (
	tunnelQueueSize       = 256
	tunnelWriteTimeout    = 15 * time.Second
	closeReasonBusy       = "Domain already connecting"
	closeReasonTimeout    = "websocket handshake timed out"
	closeReasonPublicGone = "public socket closed"
	closeReasonSlow       = "public socket too slow"
	closeReasonShutdown   = "server shutting down"
)

type tunnelFrame struct {
	messageType int
	data        []byte
}

// wsTunnel is one public websocket bridged to the agent's local socket.
type wsTunnel struct {
	id     string
	domain string
	conn   *registry.Connection
	public *websocket.Conn

	inbound  chan tunnelFrame
	outbound chan tunnelFrame

	accepted   chan struct{}
	acceptOnce sync.Once
	done       chan struct{}
	endOnce    sync.Once
}

func (t *wsTunnel) accept() bool {
	first := false
	t.acceptOnce.Do(func() {
		close(t.accepted)
		first = true
	})
	return first
}

func (t *wsTunnel) isAccepted() bool {
	select {
	case <-t.accepted:
		return true
	default:
		return false
	}
}

// tunnelHub holds at most one pending or relaying tunnel per domain.
type tunnelHub struct {
	mu      sync.Mutex
	tunnels map[string]*wsTunnel
}

func newTunnelHub() *tunnelHub {
	return &tunnelHub{tunnels: make(map[string]*wsTunnel)}
}

func (h *tunnelHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tunnels)
}

func (h *tunnelHub) begin(t *wsTunnel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.tunnels[t.domain]; busy {
		return false
	}
	h.tunnels[t.domain] = t
	return true
}

// lookup returns the tunnel of domainName when it is bound to c. A
// non-empty tunnelID must also match; peers that send none fall back to
// the domain alone.
func (h *tunnelHub) lookup(domainName, tunnelID string, c *registry.Connection) (*wsTunnel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tunnels[domainName]
	if !ok || t.conn != c {
		return nil, false
	}
	if tunnelID != "" && tunnelID != t.id {
		return nil, false
	}
	return t, true
}

func agentDomain(c *registry.Connection, name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return c.Domain
	}
	return name
}

func (h *tunnelHub) remove(t *wsTunnel) {
	h.mu.Lock()
	if cur, ok := h.tunnels[t.domain]; ok && cur == t {
		delete(h.tunnels, t.domain)
	}
	h.mu.Unlock()
}

// fromAgent relays one agent frame to the public socket. The first frame
// for a pending tunnel also accepts its handshake. It runs on the agent's
// read loop and never waits on the public socket: a full outbound queue
// ends the tunnel.
func (h *tunnelHub) fromAgent(s *Server, c *registry.Connection, msg relayproto.WSOutgoingMessage) {
	name := agentDomain(c, msg.Domain)
	t, ok := h.lookup(name, msg.TunnelID, c)
	if !ok {
		s.log.Debug("dropping websocket frame without tunnel", "domain", name, "tunnel_id", msg.TunnelID)
		return
	}
	messageType, data, err := relayproto.DecodeFrame(msg.MessageData, msg.IsBinary)
	if err != nil {
		s.log.Warn("invalid websocket frame from agent", "domain", name, "err", err)
		return
	}
	if t.accept() {
		s.log.Info("websocket tunnel accepted", "domain", name, "tunnel_id", t.id)
	}

	select {
	case t.outbound <- tunnelFrame{messageType: messageType, data: data}:
	case <-t.done:
	default:
		s.log.Warn("websocket tunnel overflow", "domain", name, "tunnel_id", t.id)
		s.endTunnel(t, websocket.CloseTryAgainLater, closeReasonSlow, true)
	}
}

func (h *tunnelHub) accept(s *Server, c *registry.Connection, msg relayproto.WSTunnelReady) {
	name := agentDomain(c, msg.Domain)
	if t, ok := h.lookup(name, msg.TunnelID, c); ok && t.accept() {
		s.log.Info("websocket tunnel accepted", "domain", name, "tunnel_id", t.id)
	}
}

func (h *tunnelHub) agentClosed(s *Server, c *registry.Connection, msg relayproto.WSTunnelClosed) {
	t, ok := h.lookup(agentDomain(c, msg.Domain), msg.TunnelID, c)
	if !ok {
		s.log.Debug("ignoring close notice without tunnel", "domain", c.Domain, "tunnel_id", msg.TunnelID)
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "local socket closed"
	}
	s.endTunnel(t, websocket.CloseNormalClosure, reason, false)
}

func (h *tunnelHub) closeForConnection(s *Server, c *registry.Connection, reason string) {
	if t, ok := h.lookup(c.Domain, "", c); ok {
		s.endTunnel(t, websocket.CloseGoingAway, reason, false)
	}
}

func (s *Server) handleTunnelSocket(w http.ResponseWriter, r *http.Request, label string) {
	public, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "domain", label, "err", err)
		return
	}
	public.SetReadLimit(s.cfg.MaxBodyBytes + minWSReadLimit)

	c, err := s.validateTunnel(r, label)
	if err != nil {
		s.log.Info("websocket tunnel rejected", "domain", label, "err", err)
		closeWithReason(public, websocket.ClosePolicyViolation, tunnelRejectReason(err))
		return
	}

	t := &wsTunnel{
		id:       uuid.NewString(),
		domain:   label,
		conn:     c,
		public:   public,
		inbound:  make(chan tunnelFrame, tunnelQueueSize),
		outbound: make(chan tunnelFrame, tunnelQueueSize),
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !s.tunnels.begin(t) {
		s.log.Info("websocket tunnel rejected", "domain", label, "err", "busy")
		closeWithReason(public, websocket.ClosePolicyViolation, closeReasonBusy)
		return
	}
	s.metrics.WSTunnels.Inc()

	if !s.track(3) {
		s.endTunnel(t, websocket.CloseGoingAway, closeReasonShutdown, false)
		return
	}

	// The offer shares the ordered tunnel queue with close notices so the
	// agent never sees a new tunnel before the previous one ends.
	offer := relayproto.MustEnvelope(relayproto.TypePendingIncomingWS, relayproto.PendingIncomingWS{
		TunnelID:  t.id,
		Domain:    label,
		URL:       tunnelTargetURL(c.Link, r.URL.RawQuery),
		Timestamp: relayproto.NowMillis(),
	})
	if err := c.Socket.SendStream(offer); err != nil {
		s.log.Warn("websocket handshake offer failed", "domain", label, "err", err)
		s.endTunnel(t, websocket.CloseTryAgainLater, "Domain not connected", false)
	} else {
		s.log.Info("websocket handshake offered", "domain", label, "tunnel_id", t.id)
	}

	go func() {
		defer s.wg.Done()
		_ = s.awaitTunnelHandshake(t)
	}()
	go func() {
		defer s.wg.Done()
		s.forwardToAgent(t)
	}()
	go func() {
		defer s.wg.Done()
		s.writeToPublic(t)
	}()
	s.readPublic(t)
}

func (s *Server) validateTunnel(r *http.Request, label string) (*registry.Connection, error) {
	rec, err := s.resolveDomain(r.Context(), label)
	if err != nil {
		return nil, err
	}
	c, ok := s.registry.Lookup(label)
	if !ok || !c.Socket.Open() {
		return nil, domain.ErrDomainNotConnected
	}
	if c.OwnerID != rec.OwnerID {
		return nil, &domain.RelayError{Domain: label, Op: "validate", Err: domain.ErrHandshakeRejected}
	}
	if !c.Protocol.WebSocket() || c.Link == "" {
		return nil, &domain.RelayError{Domain: label, Op: "validate", Err: domain.ErrHandshakeRejected}
	}
	return c, nil
}

func tunnelRejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrDomainNotFound):
		return "No domain found"
	case errors.Is(err, domain.ErrDomainNotConnected):
		return "Domain not connected"
	case errors.Is(err, domain.ErrHandshakeRejected):
		return "Domain does not accept websocket connections"
	}
	return "Websocket tunnel unavailable"
}

// tunnelTargetURL appends the public query string to the agent's link.
func tunnelTargetURL(link, rawQuery string) string {
	if rawQuery == "" {
		return link
	}
	if strings.Contains(link, "?") {
		return link + "&" + rawQuery
	}
	return link + "?" + rawQuery
}

// awaitTunnelHandshake returns [domain.ErrHandshakeTimeout] after ending a
// tunnel the agent never accepted.
func (s *Server) awaitTunnelHandshake(t *wsTunnel) error {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-t.accepted:
	case <-t.done:
	case <-timer.C:
		err := &domain.RelayError{Domain: t.domain, Op: "handshake", Err: domain.ErrHandshakeTimeout}
		s.log.Warn("websocket handshake failed", "tunnel_id", t.id, "err", err)
		s.endTunnel(t, websocket.CloseInternalServerErr, closeReasonTimeout, true)
		return err
	}
	return nil
}

// readPublic queues public frames in arrival order until the tunnel ends.
func (s *Server) readPublic(t *wsTunnel) {
	for {
		messageType, data, err := t.public.ReadMessage()
		if err != nil {
			s.endTunnel(t, websocket.CloseNormalClosure, closeReasonPublicGone, true)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case t.inbound <- tunnelFrame{messageType: messageType, data: data}:
		case <-t.done:
			return
		}
	}
}

func (s *Server) forwardToAgent(t *wsTunnel) {
	select {
	case <-t.accepted:
	case <-t.done:
		return
	}
	for {
		select {
		case <-t.done:
			return
		case f := <-t.inbound:
			messageData, isBinary := relayproto.EncodeFrame(f.messageType, f.data)
			env := relayproto.MustEnvelope(relayproto.TypeWSIncomingMessage, relayproto.WSIncomingMessage{
				TunnelID:    t.id,
				MessageData: messageData,
				IsBinary:    isBinary,
				Timestamp:   relayproto.NowMillis(),
			})
			if err := t.conn.Socket.SendStream(env); err != nil {
				s.log.Warn("websocket frame to agent failed", "domain", t.domain, "err", err)
				s.endTunnel(t, websocket.CloseGoingAway, "agent connection lost", false)
				return
			}
			s.metrics.ObserveFrame("in")
		}
	}
}

func (s *Server) writeToPublic(t *wsTunnel) {
	for {
		select {
		case <-t.done:
			return
		case f := <-t.outbound:
			_ = t.public.SetWriteDeadline(time.Now().Add(tunnelWriteTimeout))
			if err := t.public.WriteMessage(f.messageType, f.data); err != nil {
				s.endTunnel(t, websocket.CloseNormalClosure, closeReasonPublicGone, true)
				return
			}
			s.metrics.ObserveFrame("out")
		}
	}
}

// endTunnel tears a tunnel down once: the public socket is closed with code
// and reason, and the agent is told to close its local socket when
// notifyAgent is set and the handshake had been offered.
func (s *Server) endTunnel(t *wsTunnel, code int, reason string, notifyAgent bool) {
	t.endOnce.Do(func() {
		s.tunnels.remove(t)
		close(t.done)
		closeWithReason(t.public, code, reason)
		s.metrics.WSTunnels.Dec()

		if notifyAgent && t.conn.Socket.Open() {
			env := relayproto.MustEnvelope(relayproto.TypeWSTunnelClosed, relayproto.WSTunnelClosed{
				TunnelID: t.id,
				Domain:   t.domain,
				Reason:   reason,
			})
			if err := t.conn.Socket.SendStream(env); err != nil {
				s.log.Debug("tunnel close notice failed", "domain", t.domain, "err", err)
			}
		}
		s.log.Info("websocket tunnel closed", "domain", t.domain, "tunnel_id", t.id, "reason", reason, "accepted", t.isAccepted())
	})
}
