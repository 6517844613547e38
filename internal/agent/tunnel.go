package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/relayproto"
)

const (
	localDialTimeout  = 30 * time.Second
	localWriteTimeout = 15 * time.Second
)

// localTunnel is the agent side of one tunneled websocket. conn is nil
// while the local link is still being dialed.
type localTunnel struct {
	id        string
	domain    string
	cancel    context.CancelFunc
	conn      *websocket.Conn
	closeOnce sync.Once
}

// matches reports whether an edge envelope naming tunnelID belongs to t.
// Edges that send no id address the current tunnel.
func (t *localTunnel) matches(tunnelID string) bool {
	return tunnelID == "" || tunnelID == t.id
}

// openTunnel dials the local link named by the edge and, once connected,
// confirms the handshake and starts relaying local frames.
func (s *session) openTunnel(msg relayproto.PendingIncomingWS) {
	if s.ctx.Err() != nil {
		return
	}
	dialCtx, cancel := context.WithTimeout(s.ctx, localDialTimeout)
	t := &localTunnel{id: msg.TunnelID, domain: msg.Domain, cancel: cancel}

	s.tunnelMu.Lock()
	prev := s.tunnel
	s.tunnel = t
	s.tunnelMu.Unlock()
	if prev != nil {
		s.endTunnel(prev, "superseded by a new websocket", false)
	}

	s.requestWG.Add(1)
	go func() {
		defer s.requestWG.Done()
		defer cancel()

		conn, _, err := s.agent.dialer.DialContext(dialCtx, msg.URL, nil)
		if err != nil {
			if errors.Is(dialCtx.Err(), context.Canceled) {
				s.tunnelCancelled(t)
				return
			}
			s.agent.log.Warn("local websocket dial failed", "url", msg.URL, "tunnel_id", t.id, "err", err)
			s.endTunnel(t, "local websocket unavailable", true)
			return
		}

		s.tunnelMu.Lock()
		current := s.tunnel == t
		if current {
			t.conn = conn
		}
		s.tunnelMu.Unlock()
		if !current {
			_ = conn.Close()
			s.tunnelCancelled(t)
			return
		}

		ready := relayproto.MustEnvelope(relayproto.TypeWSTunnelReady, relayproto.WSTunnelReady{TunnelID: t.id, Domain: t.domain})
		if err := s.writer.SendStream(ready); err != nil {
			s.endTunnel(t, "control connection lost", false)
			return
		}
		s.agent.log.Info("local websocket opened", "url", msg.URL, "domain", t.domain, "tunnel_id", t.id)
		s.relayLocal(t, conn)
	}()
}

// tunnelCancelled tells the edge about a tunnel whose dial was abandoned,
// unless the whole session is going away.
func (s *session) tunnelCancelled(t *localTunnel) {
	if s.ctx.Err() != nil || t.id == "" {
		return
	}
	s.sendTunnelClosed(t, "websocket tunnel cancelled")
}

func (s *session) relayLocal(t *localTunnel, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			reason := "local socket closed"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				reason = closeErr.Text
			}
			s.endTunnel(t, reason, true)
			return
		}
		messageData, isBinary := relayproto.EncodeFrame(messageType, data)
		env := relayproto.MustEnvelope(relayproto.TypeWSOutgoingMessage, relayproto.WSOutgoingMessage{
			TunnelID:    t.id,
			MessageData: messageData,
			Domain:      t.domain,
			IsBinary:    isBinary,
			Timestamp:   relayproto.NowMillis(),
		})
		if err := s.writer.SendStream(env); err != nil {
			s.endTunnel(t, "control connection lost", false)
			return
		}
		s.agent.stats.message(MessageRecord{Direction: "out", Size: len(data), Binary: isBinary, At: time.Now()})
	}
}

// writeTunnel writes one edge frame to the local socket of its tunnel.
func (s *session) writeTunnel(msg relayproto.WSIncomingMessage) {
	s.tunnelMu.Lock()
	t := s.tunnel
	var conn *websocket.Conn
	if t != nil && t.matches(msg.TunnelID) {
		conn = t.conn
	}
	s.tunnelMu.Unlock()
	if conn == nil {
		s.agent.log.Debug("dropping websocket frame without local socket", "tunnel_id", msg.TunnelID)
		return
	}
	messageType, data, err := relayproto.DecodeFrame(msg.MessageData, msg.IsBinary)
	if err != nil {
		s.agent.log.Warn("invalid websocket frame", "err", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(localWriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		s.endTunnel(t, "local socket write failed", true)
		return
	}
	s.agent.stats.message(MessageRecord{Direction: "in", Size: len(data), Binary: msg.IsBinary, At: time.Now()})
}

// closeTunnel ends the tunnel named by tunnelID, open or still dialing.
// An empty id ends whatever tunnel is current.
func (s *session) closeTunnel(tunnelID, reason string) {
	s.tunnelMu.Lock()
	t := s.tunnel
	s.tunnelMu.Unlock()
	if t == nil {
		return
	}
	if !t.matches(tunnelID) {
		s.agent.log.Debug("ignoring close notice for another tunnel", "tunnel_id", tunnelID, "current", t.id)
		return
	}
	s.endTunnel(t, reason, false)
}

func (s *session) endTunnel(t *localTunnel, reason string, notifyEdge bool) {
	t.closeOnce.Do(func() {
		s.tunnelMu.Lock()
		if s.tunnel == t {
			s.tunnel = nil
		}
		conn := t.conn
		s.tunnelMu.Unlock()
		t.cancel()

		if reason == "" {
			reason = "tunnel closed"
		}
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
			_ = conn.Close()
		}
		if notifyEdge {
			s.sendTunnelClosed(t, reason)
		}
		s.agent.log.Info("local websocket closed", "domain", t.domain, "tunnel_id", t.id, "reason", reason)
	})
}

func (s *session) sendTunnelClosed(t *localTunnel, reason string) {
	env := relayproto.MustEnvelope(relayproto.TypeWSTunnelClosed, relayproto.WSTunnelClosed{TunnelID: t.id, Domain: t.domain, Reason: reason})
	if err := s.writer.SendStream(env); err != nil {
		s.agent.log.Debug("tunnel close notice failed", "domain", t.domain, "tunnel_id", t.id, "err", err)
	}
}
