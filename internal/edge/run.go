package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/crypto/acme/autocert"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/netutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 64 << 10
	shutdownTimeout   = 5 * time.Second
)

// Run serves the edge until ctx is cancelled or a listener fails. With TLS
// off a single plain HTTP listener is used; with TLS auto certificates are
// obtained through ACME and the plain listener answers HTTP-01 challenges.
func (s *Server) Run(ctx context.Context) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.runJanitor(janitorCtx)

	if s.cfg.TLSMode != config.TLSModeAuto {
		return s.runPlain(ctx)
	}
	return s.runTLS(ctx)
}

func (s *Server) runPlain(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "base_domains", s.cfg.BaseDomains)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.Close()
		return shutdownServer(srv, shutdownTimeout)
	case err := <-errCh:
		s.Close()
		_ = shutdownServer(srv, shutdownTimeout)
		return err
	}
}

func (s *Server) runTLS(ctx context.Context) error {
	manager := &autocert.Manager{
		Cache:      autocert.DirCache(s.cfg.CertCacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: s.hostPolicy,
	}
	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	handler := s.Handler()
	var h3 *http3.Server
	if s.cfg.HTTP3 {
		h3 = &http3.Server{
			Addr:      s.cfg.ListenHTTPS,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
		}
		handler = advertiseHTTP3(h3, handler)
	}

	httpsServer := &http.Server{
		Addr:              s.cfg.ListenHTTPS,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		TLSConfig:         tlsConfig,
		ErrorLog:          log.New(newHTTPSErrorLogWriter(s.log), "", 0),
	}
	challengeServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           manager.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	errCh := make(chan error, 3)
	go func() {
		s.log.Info("starting ACME challenge server", "addr", s.cfg.Listen)
		if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("challenge server: %w", err)
		}
	}()
	go func() {
		s.log.Info("starting HTTPS server", "addr", s.cfg.ListenHTTPS, "base_domains", s.cfg.BaseDomains)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()
	if h3 != nil {
		go func() {
			s.log.Info("starting HTTP/3 server", "addr", s.cfg.ListenHTTPS)
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	s.Close()
	if err := shutdownServer(httpsServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if h3 != nil {
		_ = h3.Close()
	}
	return runErr
}

// hostPolicy admits certificate requests for base domains and for
// subdomains registered in the directory.
func (s *Server) hostPolicy(ctx context.Context, host string) error {
	host = netutil.NormalizeHost(host)
	for _, base := range s.cfg.BaseDomains {
		if host == netutil.NormalizeHost(base) {
			return nil
		}
	}
	label, ok := netutil.ExtractSubdomain(host, s.cfg.BaseDomains)
	if !ok {
		return errors.New("host not allowed")
	}
	if _, err := s.resolveDomain(ctx, label); err != nil {
		if errors.Is(err, domain.ErrDomainNotFound) {
			return errors.New("host not allowed")
		}
		return errors.New("failed to authorize host")
	}
	return nil
}

func advertiseHTTP3(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h3.SetQUICHeaders(w.Header())
		next.ServeHTTP(w, r)
	})
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + netutil.NormalizeHost(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

// httpsErrorLogWriter routes net/http's TLS error log through slog, keeping
// scanner noise at debug level.
type httpsErrorLogWriter struct {
	log      *slog.Logger
	hintOnce sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger) *httpsErrorLogWriter {
	return &httpsErrorLogWriter{log: logger}
}

func (w *httpsErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		w.log.Warn("https server error", "err", line)
		return len(p), nil
	}
	addr, reason, ok := strings.Cut(line[idx+len(marker):], ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", line[idx+len(marker):])
		return len(p), nil
	}
	reason = strings.TrimSpace(reason)
	switch {
	case isScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case isProvisioningTLSReason(reason):
		w.hintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress for a new host; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return len(p), nil
}

func isProvisioningTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isScannerTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	if reason == "eof" {
		return true
	}
	for _, frag := range []string{
		"missing server name",
		"host not allowed",
		"unsupported application protocols",
		"offered only unsupported versions",
		"no cipher suite supported",
		"connection reset by peer",
		"i/o timeout",
		"first record does not look like a tls handshake",
		"http request to an https server",
	} {
		if strings.Contains(reason, frag) {
			return true
		}
	}
	return false
}
