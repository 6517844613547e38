package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/relayproto"
)

const (
	writeControlQueueSize = 64
	writeStreamQueueSize  = 256
)

// session is one live control connection.
type session struct {
	agent  *Agent
	conn   *websocket.Conn
	writer *relayproto.WritePump

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	requestWG  sync.WaitGroup
	requestSem chan struct{}

	pingMu     sync.Mutex
	pingSentAt time.Time

	keepaliveErr chan error

	tunnelMu sync.Mutex
	tunnel   *localTunnel
}

func newSession(a *Agent, parent context.Context, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(parent)
	limit := a.cfg.MaxConcurrent
	if limit <= 0 {
		limit = 32
	}
	return &session{
		agent:        a,
		conn:         conn,
		writer:       relayproto.NewWritePump(conn, a.codec, controlWriteTimeout, writeControlQueueSize, writeStreamQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		requestSem:   make(chan struct{}, limit),
		keepaliveErr: make(chan error, 1),
	}
}

// run reads envelopes until the connection fails, the edge disconnects, or
// the parent context is cancelled.
func (s *session) run() error {
	s.startKeepalive()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop()
	}()

	select {
	case err := <-readErr:
		return err
	case err := <-s.keepaliveErr:
		return err
	case <-s.ctx.Done():
		s.sendDisconnect("agent shutting down")
		return s.ctx.Err()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeTunnel("", "")
		s.writer.Close()
		_ = s.conn.Close()
		s.requestWG.Wait()
	})
}

func (s *session) sendDisconnect(reason string) {
	env := relayproto.MustEnvelope(relayproto.TypeDisconnect, relayproto.Disconnect{Reason: reason})
	if err := s.writer.Send(env); err != nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}

func (s *session) startKeepalive() {
	interval := s.agent.cfg.PingInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.pingMu.Lock()
				s.pingSentAt = now
				s.pingMu.Unlock()
				env := relayproto.MustEnvelope(relayproto.TypePing, relayproto.Heartbeat{Timestamp: now.UnixMilli()})
				if err := s.writer.Send(env); err != nil {
					select {
					case s.keepaliveErr <- fmt.Errorf("ping: %w", err):
					default:
					}
					return
				}
			}
		}
	}()
}

func (s *session) readLoop() error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := s.agent.codec.Decode(messageType, data)
		if err != nil {
			s.agent.log.Warn("dropping malformed envelope", "err", err)
			continue
		}
		if err := s.handle(env); err != nil {
			return err
		}
	}
}

func (s *session) handle(env relayproto.Envelope) error {
	log := s.agent.log
	switch env.Type {
	case relayproto.TypeConnectionEstablished:
		var msg relayproto.ConnectionEstablished
		if err := env.DecodeData(&msg); err != nil {
			return fmt.Errorf("connection_established: %w", err)
		}
		s.agent.stats.established(msg)
		log.Info("tunnel ready", "public_url", msg.PublicURL, "domain", msg.Domain, "user", msg.User.Email)
	case relayproto.TypeDomainMetadata:
		var msg relayproto.DomainMetadata
		if err := env.DecodeData(&msg); err == nil {
			s.agent.stats.metadata(msg)
		}
	case relayproto.TypeHeartbeat:
	case relayproto.TypePing:
		pong := relayproto.MustEnvelope(relayproto.TypePong, relayproto.Heartbeat{Timestamp: relayproto.NowMillis()})
		if err := s.writer.Send(pong); err != nil {
			return err
		}
	case relayproto.TypePong:
		s.pingMu.Lock()
		sentAt := s.pingSentAt
		s.pingMu.Unlock()
		if !sentAt.IsZero() {
			log.Debug("latency", "duration", time.Since(sentAt).String())
		}
	case relayproto.TypeSubdomainRequest:
		var req relayproto.SubdomainRequest
		if err := env.DecodeData(&req); err != nil {
			log.Warn("invalid relayed request", "err", err)
			return nil
		}
		s.handleRequest(req)
	case relayproto.TypePendingIncomingWS:
		var msg relayproto.PendingIncomingWS
		if err := env.DecodeData(&msg); err != nil {
			log.Warn("invalid websocket handshake offer", "err", err)
			return nil
		}
		s.openTunnel(msg)
	case relayproto.TypeWSIncomingMessage:
		var msg relayproto.WSIncomingMessage
		if err := env.DecodeData(&msg); err != nil {
			log.Warn("invalid websocket frame", "err", err)
			return nil
		}
		s.writeTunnel(msg)
	case relayproto.TypeWSTunnelClosed:
		var msg relayproto.WSTunnelClosed
		_ = env.DecodeData(&msg)
		log.Info("edge closed websocket tunnel", "domain", msg.Domain, "tunnel_id", msg.TunnelID, "reason", msg.Reason)
		s.closeTunnel(msg.TunnelID, msg.Reason)
	case relayproto.TypeDisconnect:
		var msg relayproto.Disconnect
		_ = env.DecodeData(&msg)
		return fmt.Errorf("edge closed connection: %s", msg.Reason)
	default:
		log.Debug("ignoring unknown envelope", "type", env.Type)
	}
	return nil
}

func (s *session) handleRequest(req relayproto.SubdomainRequest) {
	select {
	case s.requestSem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}
	s.requestWG.Add(1)
	go func() {
		defer s.requestWG.Done()
		defer func() { <-s.requestSem }()

		resp := s.agent.Forward(s.ctx, req)
		env, err := relayproto.NewEnvelope(relayproto.TypeSubdomainResponse, resp)
		if err != nil {
			s.agent.log.Error("encode reply failed", "correlation_id", req.CorrelationID, "err", err)
			return
		}
		if err := s.writer.Send(env); err != nil && !errors.Is(err, relayproto.ErrWritePumpClosed) {
			s.agent.log.Warn("send reply failed", "correlation_id", req.CorrelationID, "err", err)
		}
	}()
}
