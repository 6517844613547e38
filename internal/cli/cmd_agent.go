package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/a2rok/a2rok/internal/agent"
	"github.com/a2rok/a2rok/internal/clientsettings"
	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/debughttp"
	"github.com/a2rok/a2rok/internal/domain"
	ilog "github.com/a2rok/a2rok/internal/log"
)

func newHTTPCmd() *cobra.Command {
	cfg := config.DefaultAgentConfig()
	cmd := &cobra.Command{
		Use:   "http <port>",
		Short: "Expose a local HTTP port on 127.0.0.1",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(strings.TrimSpace(args[0]))
			if err != nil {
				return usageError{fmt.Errorf("invalid port %q", args[0])}
			}
			cfg.Protocol = domain.ProtocolHTTP
			cfg.LocalPort = port
			return runAgentCommand(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func newWebSocketCmd(protocol domain.Protocol) *cobra.Command {
	cfg := config.DefaultAgentConfig()
	cmd := &cobra.Command{
		Use:   string(protocol) + " <link>",
		Short: "Relay a local " + string(protocol) + ":// websocket endpoint",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Protocol = protocol
			cfg.Link = args[0]
			return runAgentCommand(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runAgentCommand(ctx context.Context, cfg config.AgentConfig) error {
	saved, err := clientsettings.Load()
	if err != nil {
		return err
	}
	cfg, err = resolveAgentConfig(cfg, saved)
	if err != nil {
		return usageError{err}
	}
	logger := ilog.New(cfg.LogLevel)

	a := agent.New(cfg, logger)
	if err := debughttp.Start(ctx, cfg.DebugListen, logger, "agent",
		debughttp.WithJSON("/debug/stats", func() any { return a.Stats() }),
	); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		var rejected *agent.RejectedError
		if errors.As(err, &rejected) {
			return fmt.Errorf("edge refused the agent: %s", rejected.Message)
		}
		return err
	}
	return nil
}

// resolveAgentConfig fills the server URL and token from the saved login
// when neither flags nor environment set them.
func resolveAgentConfig(cfg config.AgentConfig, saved clientsettings.Settings) (config.AgentConfig, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		cfg.ServerURL = saved.ServerURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		cfg.Token = saved.Token
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLoginCmd() *cobra.Command {
	var serverURL, token, email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the edge URL and agent token",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag(cmd.Flags(), "server"); err != nil {
				return err
			}
			if err := requireFlag(cmd.Flags(), "token"); err != nil {
				return err
			}
			normalized, err := normalizeServerURL(serverURL)
			if err != nil {
				return usageError{err}
			}
			if err := clientsettings.Save(clientsettings.Settings{
				ServerURL: normalized,
				Token:     token,
				Email:     email,
			}); err != nil {
				return err
			}
			path, _ := clientsettings.Path()
			fmt.Fprintln(cmd.OutOrStdout(), "saved login to", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Edge server URL (e.g. https://a2rok.example.com)")
	cmd.Flags().StringVar(&token, "token", "", "Agent token printed by `a2rok user create`")
	cmd.Flags().StringVar(&email, "email", "", "Principal email, for display only")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved login",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := clientsettings.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

// normalizeServerURL accepts a bare host and defaults it to https.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return "", errors.New("server URL scheme must be http, https, ws or wss")
	}
	return u.String(), nil
}
