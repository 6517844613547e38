// Package debughttp runs the optional debug listener: pprof plus JSON
// snapshots of component state.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Option adds a route to the debug mux.
type Option func(*http.ServeMux)

// WithJSON serves the value returned by snapshot as JSON at path.
func WithJSON(path string, snapshot func() any) Option {
	return func(mux *http.ServeMux) {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(snapshot())
		})
	}
}

// Start binds addr and serves the debug mux until ctx is canceled. An empty
// addr disables the listener. Bind errors are returned immediately.
func Start(ctx context.Context, addr string, log *slog.Logger, component string, opts ...Option) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if log == nil {
		log = slog.Default()
	}

	srv := &http.Server{
		Handler:           newMux(opts...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("debug listener started", "component", component, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener error", "component", component, "err", err)
		}
	}()
	return nil
}

func newMux(opts ...Option) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	for _, opt := range opts {
		opt(mux)
	}
	return mux
}
