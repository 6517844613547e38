// Package edge implements the public a2rok edge server: the agent control
// endpoint, the ingress bridge that relays public HTTP requests to agents,
// and the websocket tunnel relay.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/correlation"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/metrics"
	"github.com/a2rok/a2rok/internal/netutil"
	"github.com/a2rok/a2rok/internal/registry"
	"github.com/a2rok/a2rok/internal/relayproto"
)

// Identity resolves agent tokens to principals.
type Identity interface {
	ResolveAgentPrincipal(ctx context.Context, token string) (domain.Principal, error)
}

// Directory is the authoritative domain ownership store.
type Directory interface {
	FindDomainOwner(ctx context.Context, name string) (domain.DomainRecord, error)
	ListOwnerDomains(ctx context.Context, ownerID string) ([]string, error)
	CreateDomain(ctx context.Context, ownerID string) (string, error)
}

// Quota admits public requests against the owner's allowance.
type Quota interface {
	TryConsume(ctx context.Context, ownerID string) (bool, error)
}

// Deps are the collaborators an edge server needs.
type Deps struct {
	Identity  Identity
	Directory Directory
	Quota     Quota
	Metrics   *metrics.Edge
}

type Server struct {
	cfg       config.ServerConfig
	log       *slog.Logger
	identity  Identity
	directory Directory
	quota     Quota
	metrics   *metrics.Edge
	codec     *relayproto.Codec
	upgrader  websocket.Upgrader

	registry *registry.Registry
	pending  *correlation.Store
	domains  *domainCache
	tunnels  *tunnelHub
	exempt   map[string]struct{}

	lifeMu    sync.Mutex
	closing   bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

const minWSReadLimit int64 = 1 << 20

func New(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewEdge()
	}
	s := &Server{
		cfg:       cfg,
		log:       logger,
		identity:  deps.Identity,
		directory: deps.Directory,
		quota:     deps.Quota,
		metrics:   m,
		codec:     relayproto.NewCodec(cfg.Compress),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: registry.New(logger),
		pending:  correlation.New(),
		domains:  newDomainCache(cfg.DomainCacheTTL),
		tunnels:  newTunnelHub(),
		exempt:   make(map[string]struct{}, len(cfg.ExemptPrincipals)),
	}
	for _, p := range cfg.ExemptPrincipals {
		s.exempt[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	s.registry.OnEvict(s.onConnectionEvicted)
	return s
}

// Registry exposes the live connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Handler returns the full edge handler: subdomain hosts go to the ingress
// bridge or websocket tunnel relay, every other host to the local routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.AgentPath, s.handleAgentConnect)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	if s.cfg.Metrics {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleRoot)
	return securityHeaders(s.routeSubdomains(mux))
}

func (s *Server) routeSubdomains(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label, ok := netutil.ExtractSubdomain(s.routingHost(r), s.cfg.BaseDomains)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if netutil.IsWebSocketUpgrade(r) {
			s.handleTunnelSocket(w, r, label)
			return
		}
		s.handleIngress(w, r, label)
	})
}

// routingHost is the host subdomain routing uses. Behind a trusted proxy
// the first X-Forwarded-Host value wins over Host.
func (s *Server) routingHost(r *http.Request) string {
	if s.cfg.TrustForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	return r.Host
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: "Not found"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("a2rok edge is running"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ok",
		"agents":  s.registry.Len(),
		"pending": s.pending.Len(),
		"tunnels": s.tunnels.len(),
	})
}

func (s *Server) onConnectionEvicted(c *registry.Connection, reason string) {
	s.metrics.AgentConnections.Dec()
	if n := s.pending.AbandonGroup(c.SessionID); n > 0 {
		s.log.Info("abandoned pending requests", "domain", c.Domain, "count", n, "reason", reason)
	}
	s.tunnels.closeForConnection(s, c, "agent connection "+reason)
	s.log.Info("agent disconnected", "domain", c.Domain, "owner_id", c.OwnerID, "session_id", c.SessionID, "reason", reason)
}

// track reserves n connection goroutines. It reports false once Close has
// started, so no goroutine is added while Close waits.
func (s *Server) track(n int) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(n)
	return true
}

func (s *Server) isClosing() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.closing
}

// Close disconnects every agent, fails pending relays, and waits for the
// connection goroutines to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.closing = true
		s.lifeMu.Unlock()
		s.registry.CloseAll("server shutting down")
		s.wg.Wait()
	})
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.domains.cleanup()
			if n := s.pending.Sweep(2 * s.cfg.RequestTimeout); n > 0 {
				s.log.Warn("swept orphaned pending requests", "count", n)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
