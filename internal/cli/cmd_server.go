package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/a2rok/a2rok/internal/auth"
	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/debughttp"
	"github.com/a2rok/a2rok/internal/edge"
	ilog "github.com/a2rok/a2rok/internal/log"
	"github.com/a2rok/a2rok/internal/registry"
	"github.com/a2rok/a2rok/internal/store/sqlite"
)

func newServerCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the edge server",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Normalize(); err != nil {
				return usageError{fmt.Errorf("server config: %w", err)}
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runServer(ctx context.Context, cfg config.ServerConfig) error {
	logger := ilog.New(cfg.LogLevel)

	store, err := openStore(ctx, cfg.DBPath, cfg.TokenPepper)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	s := edge.New(cfg, edge.Deps{
		Identity:  store,
		Directory: store,
		Quota:     store,
	}, logger)
	if err := debughttp.Start(ctx, cfg.DebugListen, logger, "edge",
		debughttp.WithJSON("/debug/connections", func() any { return connectionSnapshot(s.Registry()) }),
	); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}
	logger.Info("edge starting",
		"base_domains", strings.Join(cfg.BaseDomains, ","),
		"tls_mode", cfg.TLSMode,
		"db", cfg.DBPath,
	)
	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

type connectionInfo struct {
	Domain       string    `json:"domain"`
	OwnerEmail   string    `json:"ownerEmail"`
	Protocol     string    `json:"protocol"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	TTL          uint64    `json:"ttl"`
	OPN          uint64    `json:"opn"`
}

func connectionSnapshot(reg *registry.Registry) []connectionInfo {
	out := make([]connectionInfo, 0, reg.Len())
	reg.Range(func(c *registry.Connection) bool {
		meta, _ := reg.Metadata(c.Domain)
		out = append(out, connectionInfo{
			Domain:       c.Domain,
			OwnerEmail:   c.OwnerEmail,
			Protocol:     string(c.Protocol),
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity(),
			TTL:          meta.TTL,
			OPN:          meta.OPN,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// openStore opens the database and installs the token pepper: the
// configured one, else the stored one, else a freshly generated one that is
// persisted for later runs.
func openStore(ctx context.Context, dbPath, pepper string) (*sqlite.Store, error) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	resolved, err := resolveTokenPepper(ctx, store, pepper)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("token pepper: %w", err)
	}
	store.SetTokenPepper(resolved)
	return store, nil
}

func resolveTokenPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}
	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	generated, err := auth.GeneratePepper()
	if err != nil {
		return "", err
	}
	return store.ResolveServerPepper(ctx, generated)
}

type storeFlags struct {
	dbPath string
	pepper string
}

func (f *storeFlags) bind(fs *pflag.FlagSet) {
	defaults := config.DefaultServerConfig()
	fs.StringVar(&f.dbPath, "db", defaults.DBPath, "SQLite database path")
	fs.StringVar(&f.pepper, "token-pepper", defaults.TokenPepper, "Token hash pepper override")
}

func (f *storeFlags) open(ctx context.Context) (*sqlite.Store, error) {
	return openStore(ctx, f.dbPath, f.pepper)
}
