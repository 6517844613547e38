// Package config holds the edge server and agent settings. Defaults come
// from A2ROK_* environment variables and may be overridden by flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/netutil"
)

type ServerConfig struct {
	Listen            string
	ListenHTTPS       string
	HTTP3             bool
	TLSMode           string
	CertCacheDir      string
	BaseDomains       []string
	DBPath            string
	TokenPepper       string
	LogLevel          string
	AgentPath         string
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	DomainCacheTTL    time.Duration
	CleanupInterval   time.Duration
	MaxBodyBytes      int64
	ExemptPrincipals   []string
	Compress           bool
	Metrics            bool
	DebugListen        string
	TrustForwardedHost bool
}

type AgentConfig struct {
	ServerURL      string
	Token          string
	Domain         string
	LocalPort      int
	Protocol       domain.Protocol
	Link           string
	LogLevel       string
	PingInterval   time.Duration
	ForwardTimeout time.Duration
	MaxConcurrent  int
	Compress       bool
	DebugListen    string
}

const (
	TLSModeOff  = "off"
	TLSModeAuto = "auto"
)

const defaultServerListen = ":8080"
const defaultServerHTTPSListen = ":8443"
const defaultServerDBPath = "./a2rok.db"
const defaultServerCertCacheDir = "./cert"
const defaultAgentPath = "/ws"
const defaultRequestTimeout = 60 * time.Second
const defaultHandshakeTimeout = 2 * time.Minute
const defaultHeartbeatInterval = 10 * time.Second
const defaultDomainCacheTTL = 60 * time.Second
const defaultCleanupInterval = 30 * time.Second
const defaultMaxBodyBytes = 50 * 1024 * 1024
const defaultAgentPingInterval = 30 * time.Second
const defaultAgentForwardTimeout = 2 * time.Minute
const defaultAgentMaxConcurrent = 32

// DefaultServerConfig returns server settings seeded from the environment.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:             envOrDefault("A2ROK_LISTEN", defaultServerListen),
		ListenHTTPS:        envOrDefault("A2ROK_LISTEN_HTTPS", defaultServerHTTPSListen),
		HTTP3:              envBoolOrDefault("A2ROK_HTTP3", false),
		TLSMode:            envOrDefault("A2ROK_TLS_MODE", TLSModeOff),
		CertCacheDir:       envOrDefault("A2ROK_CERT_CACHE_DIR", defaultServerCertCacheDir),
		BaseDomains:        envListOrDefault("A2ROK_BASE_DOMAINS", nil),
		DBPath:             envOrDefault("A2ROK_DB_PATH", defaultServerDBPath),
		TokenPepper:        envOrDefault("A2ROK_TOKEN_PEPPER", ""),
		LogLevel:           envOrDefault("A2ROK_LOG_LEVEL", "info"),
		AgentPath:          defaultAgentPath,
		RequestTimeout:     envDurationOrDefault("A2ROK_REQUEST_TIMEOUT", defaultRequestTimeout),
		HandshakeTimeout:   envDurationOrDefault("A2ROK_WS_HANDSHAKE_TIMEOUT", defaultHandshakeTimeout),
		HeartbeatInterval:  defaultHeartbeatInterval,
		DomainCacheTTL:     defaultDomainCacheTTL,
		CleanupInterval:    defaultCleanupInterval,
		MaxBodyBytes:       defaultMaxBodyBytes,
		ExemptPrincipals:   envListOrDefault("A2ROK_QUOTA_EXEMPT", nil),
		Compress:           envBoolOrDefault("A2ROK_COMPRESS", true),
		Metrics:            envBoolOrDefault("A2ROK_METRICS", true),
		DebugListen:        envOrDefault("A2ROK_DEBUG_LISTEN", ""),
		TrustForwardedHost: envBoolOrDefault("A2ROK_TRUST_FORWARDED_HOST", false),
	}
}

// BindFlags registers server flags on fs, defaulting to the current values.
func (cfg *ServerConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address (ACME challenges when TLS is auto)")
	fs.StringVar(&cfg.ListenHTTPS, "listen-https", cfg.ListenHTTPS, "HTTPS listen address when TLS is auto")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Also serve public HTTP over HTTP/3 (TLS auto only)")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringSliceVar(&cfg.BaseDomains, "base-domain", cfg.BaseDomains, "Base domain tunnels live under (repeatable)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenPepper, "token-pepper", cfg.TokenPepper, "Token hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "How long a public request waits for the agent")
	fs.DurationVar(&cfg.HandshakeTimeout, "ws-handshake-timeout", cfg.HandshakeTimeout, "How long a public websocket waits for the agent")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat interval on agent connections")
	fs.DurationVar(&cfg.DomainCacheTTL, "domain-cache-ttl", cfg.DomainCacheTTL, "Cache lifetime of resolved domains")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Maximum public request body size")
	fs.StringSliceVar(&cfg.ExemptPrincipals, "quota-exempt", cfg.ExemptPrincipals, "Principal ids or emails that bypass quota (repeatable)")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "Deflate control connection envelopes")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Serve prometheus metrics at /metrics")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Optional pprof/debug listen address (e.g. 127.0.0.1:6060)")
	fs.BoolVar(&cfg.TrustForwardedHost, "trust-forwarded-host", cfg.TrustForwardedHost, "Route subdomains by X-Forwarded-Host (only behind a trusted proxy)")
}

// Normalize canonicalises and validates the server settings.
func (cfg *ServerConfig) Normalize() error {
	bases := make([]string, 0, len(cfg.BaseDomains))
	for _, raw := range cfg.BaseDomains {
		if b := normalizeDomainHost(raw); b != "" {
			bases = append(bases, b)
		}
	}
	cfg.BaseDomains = bases
	if len(cfg.BaseDomains) == 0 {
		return errors.New("missing --base-domain or A2ROK_BASE_DOMAINS")
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	switch cfg.TLSMode {
	case TLSModeOff, TLSModeAuto:
	default:
		return errors.New("tls mode must be one of: off, auto")
	}
	if cfg.HTTP3 && cfg.TLSMode != TLSModeAuto {
		return errors.New("http3 requires tls mode auto")
	}
	if cfg.AgentPath == "" {
		cfg.AgentPath = defaultAgentPath
	}
	if !strings.HasPrefix(cfg.AgentPath, "/") {
		cfg.AgentPath = "/" + cfg.AgentPath
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("websocket handshake timeout must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be > 0")
	}
	if cfg.DomainCacheTTL <= 0 {
		return errors.New("domain cache ttl must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be > 0")
	}
	exempt := cfg.ExemptPrincipals[:0]
	for _, p := range cfg.ExemptPrincipals {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			exempt = append(exempt, p)
		}
	}
	cfg.ExemptPrincipals = exempt
	return nil
}

// PublicScheme is the scheme public URLs are advertised with.
func (cfg ServerConfig) PublicScheme() string {
	if cfg.TLSMode == TLSModeAuto {
		return "https"
	}
	return "http"
}

// ParseServerFlags builds a normalized server config from args.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Normalize()
}

// DefaultAgentConfig returns agent settings seeded from the environment.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:      envOrDefault("A2ROK_SERVER", ""),
		Token:          envOrDefault("A2ROK_TOKEN", ""),
		Domain:         envOrDefault("A2ROK_DOMAIN", ""),
		LocalPort:      envIntOrDefault("A2ROK_PORT", 0),
		Protocol:       domain.ProtocolHTTP,
		LogLevel:       envOrDefault("A2ROK_LOG_LEVEL", "info"),
		PingInterval:   defaultAgentPingInterval,
		ForwardTimeout: defaultAgentForwardTimeout,
		MaxConcurrent:  defaultAgentMaxConcurrent,
		Compress:       envBoolOrDefault("A2ROK_COMPRESS", true),
		DebugListen:    envOrDefault("A2ROK_DEBUG_LISTEN", ""),
	}
}

// BindFlags registers the agent flags shared by the http/ws/wss commands.
func (cfg *AgentConfig) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Edge server URL (e.g. https://a2rok.example.com)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Agent token")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Request one of your domains")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Control connection ping interval")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", cfg.ForwardTimeout, "Timeout for requests to the local service")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Maximum concurrent local requests")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "Deflate control connection envelopes")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "Optional pprof/stats listen address (e.g. 127.0.0.1:6061)")
}

// Normalize canonicalises and validates the agent settings.
func (cfg *AgentConfig) Normalize() error {
	cfg.ServerURL = strings.TrimSuffix(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return errors.New("missing --server or A2ROK_SERVER (or run login)")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", cfg.ServerURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("server URL scheme must be http, https, ws or wss")
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return errors.New("missing --token or A2ROK_TOKEN (or run login)")
	}
	cfg.Domain = strings.ToLower(strings.TrimSpace(cfg.Domain))
	if cfg.Domain != "" && !netutil.ValidSubdomainLabel(cfg.Domain) {
		return fmt.Errorf("invalid domain %q", cfg.Domain)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = domain.ProtocolHTTP
	}
	if !cfg.Protocol.Valid() {
		return fmt.Errorf("protocol must be http, ws or wss, got %q", cfg.Protocol)
	}
	if cfg.Protocol == domain.ProtocolHTTP {
		if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
			return errors.New("local port must be between 1 and 65535")
		}
	} else {
		link, err := url.Parse(strings.TrimSpace(cfg.Link))
		if err != nil || link.Host == "" {
			return fmt.Errorf("invalid websocket link %q", cfg.Link)
		}
		if !strings.EqualFold(link.Scheme, string(cfg.Protocol)) {
			return fmt.Errorf("websocket link must use %s://", cfg.Protocol)
		}
		cfg.Link = link.String()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultAgentPingInterval
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultAgentForwardTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultAgentMaxConcurrent
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envListOrDefault(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
