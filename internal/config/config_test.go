package config

import (
	"testing"
	"time"

	"github.com/a2rok/a2rok/internal/domain"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":                 "example.com",
		"https://example.com/path":    "example.com",
		"http://EXAMPLE.com:443/abc":  "example.com",
		"  sub.example.com.  ":        "sub.example.com",
		"https://[2001:db8::1]:10443": "2001:db8::1",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("A2ROK_BASE_DOMAINS", "")
	t.Setenv("A2ROK_REQUEST_TIMEOUT", "")
	t.Setenv("A2ROK_QUOTA_EXEMPT", "")

	cfg, err := ParseServerFlags([]string{"--base-domain", "https://A2Rok.test/", "--base-domain", "tunnel.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.BaseDomains) != 2 || cfg.BaseDomains[0] != "a2rok.test" {
		t.Fatalf("unexpected base domains %v", cfg.BaseDomains)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Fatalf("request timeout = %s", cfg.RequestTimeout)
	}
	if cfg.HandshakeTimeout != 2*time.Minute {
		t.Fatalf("handshake timeout = %s", cfg.HandshakeTimeout)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("heartbeat interval = %s", cfg.HeartbeatInterval)
	}
	if cfg.DomainCacheTTL != 60*time.Second {
		t.Fatalf("domain cache ttl = %s", cfg.DomainCacheTTL)
	}
	if cfg.TLSMode != TLSModeOff || cfg.PublicScheme() != "http" {
		t.Fatalf("tls mode = %q scheme = %q", cfg.TLSMode, cfg.PublicScheme())
	}
	if cfg.AgentPath != "/ws" {
		t.Fatalf("agent path = %q", cfg.AgentPath)
	}
}

func TestParseServerFlagsFromEnv(t *testing.T) {
	t.Setenv("A2ROK_BASE_DOMAINS", "a.test, b.test")
	t.Setenv("A2ROK_QUOTA_EXEMPT", "Admin@Example.com")
	t.Setenv("A2ROK_REQUEST_TIMEOUT", "5s")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.BaseDomains) != 2 || cfg.BaseDomains[1] != "b.test" {
		t.Fatalf("unexpected base domains %v", cfg.BaseDomains)
	}
	if len(cfg.ExemptPrincipals) != 1 || cfg.ExemptPrincipals[0] != "admin@example.com" {
		t.Fatalf("unexpected exempt set %v", cfg.ExemptPrincipals)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("request timeout = %s", cfg.RequestTimeout)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	t.Setenv("A2ROK_BASE_DOMAINS", "")

	tests := []struct {
		name string
		args []string
	}{
		{name: "base domain required", args: nil},
		{name: "tls mode", args: []string{"--base-domain", "a.test", "--tls-mode", "manual"}},
		{name: "http3 needs tls", args: []string{"--base-domain", "a.test", "--http3"}},
		{name: "timeout positive", args: []string{"--base-domain", "a.test", "--request-timeout", "0s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServerFlags(tt.args); err == nil {
				t.Fatalf("expected parse error for args: %v", tt.args)
			}
		})
	}
}

func TestAgentConfigNormalize(t *testing.T) {
	t.Parallel()

	valid := AgentConfig{ServerURL: "https://a2rok.test/", Token: " tok ", LocalPort: 3000, Protocol: domain.ProtocolHTTP}
	if err := valid.Normalize(); err != nil {
		t.Fatalf("valid http config rejected: %v", err)
	}
	if valid.ServerURL != "https://a2rok.test" || valid.Token != "tok" {
		t.Fatalf("not normalized: %+v", valid)
	}

	ws := AgentConfig{ServerURL: "wss://a2rok.test", Token: "tok", Protocol: domain.ProtocolWS, Link: "ws://127.0.0.1:9000/socket"}
	if err := ws.Normalize(); err != nil {
		t.Fatalf("valid ws config rejected: %v", err)
	}

	bad := []AgentConfig{
		{Token: "tok", LocalPort: 3000},
		{ServerURL: "ftp://a2rok.test", Token: "tok", LocalPort: 3000},
		{ServerURL: "https://a2rok.test", LocalPort: 3000},
		{ServerURL: "https://a2rok.test", Token: "tok", LocalPort: 70000},
		{ServerURL: "https://a2rok.test", Token: "tok", LocalPort: 3000, Domain: "bad domain"},
		{ServerURL: "https://a2rok.test", Token: "tok", Protocol: domain.ProtocolWSS, Link: "ws://127.0.0.1:9000"},
		{ServerURL: "https://a2rok.test", Token: "tok", Protocol: "ftp"},
	}
	for i, cfg := range bad {
		if err := cfg.Normalize(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, cfg)
		}
	}
}
