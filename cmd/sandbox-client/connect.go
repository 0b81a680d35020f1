package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/model"
)

func newConnectCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Keep a session open and log its state changes",
		Long: `Opens a session and keeps it registered until interrupted. Combine with
--status-addr to inspect the session and retry failed registrations over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, logger, func(fragment string) {
				logger.Info("unsolicited output", zap.String("data", fragment))
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.start(ctx); err != nil {
				return err
			}

			last := model.Snapshot{State: -1}
			for {
				changed := a.manager.Changed()
				snap := a.manager.Snapshot()
				if snap.State != last.State || snap.Identity != last.Identity {
					fields := []zap.Field{
						zap.Stringer("state", snap.State),
						zap.Int64("client_id", int64(snap.Identity)),
					}
					if snap.LastError != nil {
						fields = append(fields, zap.NamedError("last_error", snap.LastError))
					}
					logger.Info("session", fields...)
					last = snap
				}

				select {
				case <-changed:
				case <-ctx.Done():
					logger.Info("shutting down")
					return nil
				}
			}
		},
	}
}
