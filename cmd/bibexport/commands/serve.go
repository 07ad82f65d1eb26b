package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/bibexport/am"
	"github.com/teranos/bibexport/server"
)

// ServeCmd runs the HTTP server and keeps auto-exports up to date
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/websocket server with auto-exports",
	Long: `Start the export server on 127.0.0.1.

Endpoints:
  POST /api/export             Submit an export (add "wait": true for the output)
  GET  /api/jobs[/<id>]        Job history
  POST /api/jobs/<id>/cancel   Cancel a queued or preparing job
  GET  /api/cache              Cache entries per converter
  GET  /health                 Queue and worker state
  GET  /ws                     Progress, notice and done events

Auto-exports with watch = true re-run when the library file changes; those
with a schedule run on their cron expression. Editing the config file toggles
the cache without a restart.

Examples:
  bibexport serve
  bibexport serve --port 8123`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Port to listen on (default: server.port from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	runner, err := a.runner()
	if err != nil {
		return err
	}
	a.maintainCache(ctx, runner)

	configFile := ConfigPath
	if configFile == "" {
		configFile = am.UserConfigPath()
	}
	if _, err := os.Stat(configFile); err == nil {
		w, err := am.WatchConfig(configFile, func(cfg *am.Config) {
			a.cache.SetEnabled(cfg.Cache.Enabled)
			a.logger.Infow("Configuration reloaded", "cache_enabled", cfg.Cache.Enabled)
		})
		if err != nil {
			a.logger.Warnw("Config watching disabled", "path", configFile, "error", err)
		} else {
			defer w.Stop()
		}
	}

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = a.cfg.Server.Port
	}
	srv := server.New(server.Config{
		Exporter:       a.exporter,
		Events:         a.events,
		Cache:          a.cache,
		History:        a.history,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Logger:         a.logger.Named("server"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(server.Addr(port))
	})
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	pterm.Info.Printfln("Serving on http://%s (%d auto-exports)", server.Addr(port), len(runner.IDs()))
	err = g.Wait()
	pterm.Info.Println("Server stopped")
	return err
}
