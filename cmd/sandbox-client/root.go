package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/config"
	"github.com/remote-sandbox/client/internal/logging"
)

// globalOptions are flags shared by every command. Flags that are set
// override the SANDBOX_* environment.
type globalOptions struct {
	url        string
	secret     string
	dbPath     string
	logLevel   string
	dev        bool
	statusAddr string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "sandbox-client",
		Short: "Run scripts on a remote sandbox",
		Long: `sandbox-client keeps a signed session with a sandbox peer, recovers its
client identity across restarts, and streams script output as it arrives.

Configuration comes from SANDBOX_* environment variables; flags override them.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", "", "peer websocket URL (SANDBOX_URL)")
	flags.StringVar(&opts.secret, "secret", "", "HMAC secret shared with the peer (SANDBOX_HMAC_SECRET)")
	flags.StringVar(&opts.dbPath, "db", "", "identity database path (SANDBOX_DB_PATH)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (SANDBOX_LOG_LEVEL)")
	flags.BoolVar(&opts.dev, "dev", false, "human-readable development logs (SANDBOX_LOG_DEV)")
	flags.StringVar(&opts.statusAddr, "status-addr", "", "serve the status API on this address (SANDBOX_STATUS_ADDR)")

	root.AddCommand(
		newRunCmd(opts),
		newConnectCmd(opts),
		newIdentityCmd(opts),
	)
	return root
}

// loadConfig reads the environment and applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Peer.URL = opts.url
	}
	if flags.Changed("secret") {
		cfg.Peer.Secret = opts.secret
	}
	if flags.Changed("db") {
		cfg.Storage.DBPath = opts.dbPath
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if flags.Changed("dev") {
		cfg.Logging.Development = opts.dev
	}
	if flags.Changed("status-addr") {
		cfg.Status.Addr = opts.statusAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}

	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
