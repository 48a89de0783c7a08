package handlers

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"newsdesk/internal/logger"
)

// NewRunCmd creates the run command: the scheduled pipeline loop.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline on the configured schedule",
		Long: `Run the full pipeline (scrape, enrich, group, merge, trends) immediately
and then on every schedule tick until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("pipeline loop starting", "interval", cfg.Schedule.Interval().String())
			return buildPipeline(cfg, st, buildChat(cfg)).Loop(ctx)
		},
	}
}

// NewOnceCmd creates the once command: a single pipeline pass.
func NewOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run one full pipeline pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return buildPipeline(cfg, st, buildChat(cfg)).Run(ctx)
		},
	}
}
