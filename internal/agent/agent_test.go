package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/log"
)

func TestControlURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    config.AgentConfig
		scheme string
		query  url.Values
	}{
		{
			name:   "https http agent",
			cfg:    config.AgentConfig{ServerURL: "https://edge.test", Token: "a2r_x", LocalPort: 3000, Protocol: domain.ProtocolHTTP},
			scheme: "wss",
			query:  url.Values{"token": {"a2r_x"}, "port": {"3000"}, "protocol": {"http"}},
		},
		{
			name:   "ws agent with domain",
			cfg:    config.AgentConfig{ServerURL: "http://edge.test:8080", Token: "t", Domain: "foo", Protocol: domain.ProtocolWS, Link: "ws://localhost:9000/socket"},
			scheme: "ws",
			query:  url.Values{"token": {"t"}, "domain": {"foo"}, "protocol": {"ws"}, "link": {"ws://localhost:9000/socket"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := New(tt.cfg, log.Discard()).controlURL()
			if err != nil {
				t.Fatalf("controlURL() error = %v", err)
			}
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("parse %q: %v", raw, err)
			}
			if u.Scheme != tt.scheme || u.Path != "/ws" {
				t.Fatalf("url = %s", raw)
			}
			q := u.Query()
			if len(q) != len(tt.query) {
				t.Fatalf("query = %v, want %v", q, tt.query)
			}
			for k := range tt.query {
				if q.Get(k) != tt.query.Get(k) {
					t.Fatalf("query[%s] = %q, want %q", k, q.Get(k), tt.query.Get(k))
				}
			}
		})
	}
}

func TestRunStopsOnFatalRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"message":"Invalid authentication token"}`))
	}))
	defer srv.Close()

	a := New(config.AgentConfig{ServerURL: srv.URL, Token: "bad", LocalPort: 3000}, log.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.Run(ctx)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Run() error = %v, want RejectedError", err)
	}
	if rejected.Status != http.StatusUnauthorized || rejected.Message != "Invalid authentication token" {
		t.Fatalf("rejection = %+v", rejected)
	}
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("rejection should match ErrUnauthorized")
	}
}

func TestRunReturnsWhenContextDone(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(config.AgentConfig{ServerURL: srv.URL, Token: "t", LocalPort: 3000}, log.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil after cancellation", err)
	}
}

func TestRejectedErrorFatal(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{
		http.StatusBadRequest:         true,
		http.StatusUnauthorized:       true,
		http.StatusNotFound:           true,
		http.StatusConflict:           false,
		http.StatusServiceUnavailable: false,
	} {
		if got := (&RejectedError{Status: status}).Fatal(); got != want {
			t.Fatalf("Fatal(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestAppendRecentKeepsLastTen(t *testing.T) {
	t.Parallel()

	var list []int
	for i := range 25 {
		list = appendRecent(list, i)
	}
	if len(list) != recentLimit {
		t.Fatalf("len = %d, want %d", len(list), recentLimit)
	}
	if list[0] != 15 || list[len(list)-1] != 24 {
		t.Fatalf("list = %v", list)
	}
}
