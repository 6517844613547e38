// Package agent implements the a2rok agent: it holds one control
// connection to the edge, forwards relayed HTTP requests to a local
// service, and bridges tunneled websockets to a local websocket link.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = time.Minute
	wsHandshakeTimeout    = 10 * time.Second
	controlWriteTimeout   = 15 * time.Second
	controlReadLimit      = 128 << 20
	localResponseMaxBytes = 50 << 20
	defaultAgentPath      = "/ws"
)

// RejectedError is returned when the edge refuses the control handshake
// with an HTTP error before upgrading.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("edge rejected connection: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("edge rejected connection: %d %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return domain.ErrUnauthorized
	}
	if e.Status == http.StatusNotFound {
		return domain.ErrDomainNotFound
	}
	return nil
}

// Fatal reports whether retrying the same handshake cannot succeed.
func (e *RejectedError) Fatal() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// Agent maintains the control connection to the edge.
type Agent struct {
	cfg       config.AgentConfig
	log       *slog.Logger
	codec     *relayproto.Codec
	fwdClient *http.Client
	dialer    *websocket.Dialer
	stats     *statsTracker
}

// New creates an Agent with the given configuration and logger.
func New(cfg config.AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ForwardTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Agent{
		cfg:   cfg,
		log:   logger,
		codec: relayproto.NewCodec(cfg.Compress),
		fwdClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
		stats: newStatsTracker(),
	}
}

// Stats returns a snapshot of the agent's connection state and recent
// traffic.
func (a *Agent) Stats() Stats {
	return a.stats.snapshot()
}

// Run connects to the edge and serves relayed traffic, reconnecting with
// backoff until ctx is done or the edge rejects the handshake for good.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    reconnectInitialDelay,
		Max:    reconnectMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	for {
		sess, err := a.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var rejected *RejectedError
			if errors.As(err, &rejected) && rejected.Fatal() {
				return err
			}
			wait := b.Duration()
			a.log.Warn("agent connect failed", "err", err, "attempt", int(b.Attempt()), "retry_in", wait.Round(time.Second).String())
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		b.Reset()

		err = sess.run()
		sess.close()
		a.stats.disconnected()
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("agent disconnected; reconnecting", "err", err, "retry_in", reconnectInitialDelay.String())
		if !sleepCtx(ctx, reconnectInitialDelay) {
			return nil
		}
	}
}

func (a *Agent) connect(ctx context.Context) (*session, error) {
	target, err := a.controlURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, &RejectedError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		}
		return nil, fmt.Errorf("ws connect: %w", err)
	}
	conn.SetReadLimit(controlReadLimit)
	return newSession(a, ctx, conn), nil
}

// controlURL builds the edge control endpoint with the handshake
// parameters in the query string.
func (a *Agent) controlURL() (string, error) {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultAgentPath
	}
	q := u.Query()
	q.Set("token", a.cfg.Token)
	if a.cfg.Domain != "" {
		q.Set("domain", a.cfg.Domain)
	}
	if a.cfg.LocalPort > 0 {
		q.Set("port", strconv.Itoa(a.cfg.LocalPort))
	}
	protocol := a.cfg.Protocol
	if protocol == "" {
		protocol = domain.ProtocolHTTP
	}
	q.Set("protocol", string(protocol))
	if a.cfg.Link != "" {
		q.Set("link", a.cfg.Link)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
