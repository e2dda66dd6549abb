package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mycelica/hypha/internal/config"
	"mycelica/hypha/internal/db"
	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/events"
	"mycelica/hypha/internal/logging"
	"mycelica/hypha/internal/orchestrate"
	"mycelica/hypha/internal/rpc"
)

var (
	dbPath     string
	configPath string
	serverURL  string
	userName   string
	trusted    []string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:           "hypha",
	Short:         "Offline-first client for an openBIS entity server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the .hypha.db cache")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server JSON-RPC endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&userName, "user", "u", "", "User name (overrides config)")
	rootCmd.PersistentFlags().StringSliceVar(&trusted, "trust", nil, "Trust server certificates with these SHA-256 fingerprints")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")
}

// DiscoverDB finds the cache path using priority: env > flag > walk-up >
// XDG data dir. The XDG fallback is created when missing.
func DiscoverDB() (string, error) {
	// 1. Environment variable
	if envPath := os.Getenv("HYPHA_DB"); envPath != "" {
		return envPath, nil
	}

	// 2. CLI flag
	if dbPath != "" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return "", fmt.Errorf("directory of --db path not found: %s", dir)
			}
		}
		return dbPath, nil
	}

	// 3. Walk up from CWD
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, ".hypha.db")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	// 4. XDG fallback
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no cache location (set HYPHA_DB or use --db): %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	xdgDir := filepath.Join(dataHome, "hypha")
	if err := os.MkdirAll(xdgDir, 0o700); err != nil {
		return "", fmt.Errorf("creating %s: %w", xdgDir, err)
	}
	return filepath.Join(xdgDir, "hypha.db"), nil
}

// app is everything one command invocation needs.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	closeLog func() error
	db       *db.DB
	cache    *db.Cache
	client   *rpc.Client
	manager  *orchestrate.Manager
	bus      *events.Bus
	registry *prometheus.Registry
}

// openApp resolves configuration, opens the cache and builds a manager for
// the configured server. Offline commands never prompt for a password.
func openApp(ctx context.Context, online bool) (*app, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Server = serverURL
	}
	if userName != "" {
		cfg.User = userName
	}
	if cfg.Server == "" {
		return nil, errors.New("no server configured (set server in config.toml, HYPHA_SERVER, or use --server)")
	}

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closeLog: closeLog, registry: prometheus.NewRegistry()}

	path := cfg.DB
	if path == "" || dbPath != "" || os.Getenv("HYPHA_DB") != "" {
		if path, err = DiscoverDB(); err != nil {
			a.Close()
			return nil, err
		}
	}
	if a.db, err = db.OpenDB(path); err != nil {
		a.Close()
		return nil, err
	}
	a.cache = db.NewCache(a.db, cfg.Server)

	a.client, err = rpc.NewClient(rpc.Config{
		Endpoint: cfg.Server,
		Timeout:  cfg.Timeout,
		TLS:      rpc.TLSConfig{CAFile: cfg.TLS.CAFile, Insecure: cfg.TLS.Insecure},
	}, rpc.WithLogger(logger), rpc.WithMetrics(rpc.NewMetrics(a.registry)))
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, fp := range append(cfg.TLS.Trusted, trusted...) {
		a.client.TrustStore().Grant(strings.ReplaceAll(fp, ":", ""))
	}

	a.bus = events.NewBus()
	mcfg := orchestrate.Config{
		Timeout:         cfg.Timeout,
		RefreshInterval: cfg.RefreshInterval,
		ImageBase:       cfg.ImageBase,
	}
	var creds orchestrate.Credentials
	if online {
		if creds, err = credentials(cfg.User); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.manager, err = orchestrate.NewManager(ctx, a.client, a.cache, mcfg,
		orchestrate.WithCredentials(creds),
		orchestrate.WithEvents(events.Multi(a.bus, events.NewLogSink(logger))),
		orchestrate.WithTrustDecider(newTerminalDecider(os.Stdin, os.Stderr)),
		orchestrate.WithMetrics(orchestrate.NewMetrics(a.registry)),
		orchestrate.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// ResolveEntity finds a cached entity by full permId, then by a local text
// search that matches exactly one entity.
func ResolveEntity(ctx context.Context, m *orchestrate.Manager, reference string) (*entity.Entity, error) {
	// 1. Exact permId match
	e, err := m.Entity(ctx, reference)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}

	// 2. Local search
	if !isPermIDLike(reference) {
		matches, err := m.SearchLocal(ctx, reference, 10)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
		case 1:
			return &matches[0], nil
		default:
			lines := make([]string, len(matches))
			for i, match := range matches {
				lines[i] = fmt.Sprintf("  %s %s", match.PermID, TruncateMiddle(title(&match), 60))
			}
			return nil, fmt.Errorf("ambiguous reference '%s'. %d matches:\n%s\nUse a permId instead.",
				reference, len(matches), strings.Join(lines, "\n"))
		}
	}

	return nil, fmt.Errorf("entity not in cache: %s (sync or drill first)", reference)
}

// isPermIDLike matches server permIds such as 20120814110011738-105.
func isPermIDLike(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return true
}

func resolveRefs(ctx context.Context, a *app, args []string) ([]entity.Ref, error) {
	refs := make([]entity.Ref, 0, len(args))
	for _, arg := range args {
		e, err := ResolveEntity(ctx, a.manager, arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, e.Ref())
	}
	return refs, nil
}

// describeError adds a hint for the failure kinds a user can act on.
func describeError(err error) string {
	switch rpc.Classify(err) {
	case rpc.KindTransport:
		return fmt.Sprintf("%v\n(server unreachable; cached data is still available offline)", err)
	case rpc.KindTrustDeclined:
		return fmt.Sprintf("%v\n(pass --trust <fingerprint> to accept the certificate)", err)
	case rpc.KindSessionExpired:
		return fmt.Sprintf("%v\n(session could not be renewed; check credentials)", err)
	default:
		return err.Error()
	}
}
