package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/everydev1618/hive/config"
	"github.com/everydev1618/hive/serve"
)

var (
	serveAddr  string
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and orchestrator",
	Long: `Start the hive server: the REST API, the SSE event stream, the
assignment loop, worker expiry and scheduled submissions.

Examples:
  hive serve
  hive serve --addr :8080
  hive serve -c /etc/hive/hive.yaml --watch`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "reload schedules when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger := cfg.Logger()

	srv, err := serve.New(cfg, logger)
	if err != nil {
		return err
	}

	if serveWatch {
		if cfg.File() == "" {
			return fmt.Errorf("--watch needs a config file")
		}
		w, err := config.Watch(cfg.File(), logger, func(next *config.Config) {
			logger.Info("config changed, applying schedules", "file", next.File())
			srv.ApplySchedules(next.Schedules)
		})
		if err != nil {
			return err
		}
		defer w.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("API:     http://localhost%s/api/stats\n", cfg.Server.Addr)
	fmt.Printf("Metrics: http://localhost%s/metrics\n", cfg.Server.Addr)
	return srv.Start(ctx)
}
