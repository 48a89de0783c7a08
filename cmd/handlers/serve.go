package handlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"newsdesk/internal/logger"
	"newsdesk/internal/server"
)

// NewServeCmd creates the serve command for starting the HTTP server
func NewServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		Long: `Start the newsdesk web server.

The server reads from the database populated by 'newsdesk run'. Run the
pipeline separately to keep content fresh.

Examples:
  # Start server on the configured port (default 8080)
  newsdesk serve

  # Start on a custom port
  newsdesk serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, host)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config: 8080)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP server host (default from config: 0.0.0.0)")

	return cmd
}

func runServe(port int, host string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	serverCfg := cfg.Server
	if port != 0 {
		serverCfg.Port = port
	}
	if host != "" {
		serverCfg.Host = host
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.New(st, serverCfg)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", fmt.Sprintf("http://%s:%d", serverCfg.Host, serverCfg.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("server shutdown initiated", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("server stopped")
	}

	return nil
}
