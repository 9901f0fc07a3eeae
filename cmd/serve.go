package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cwbudde/pidtune/internal/server"
	"github.com/cwbudde/pidtune/internal/store/connect"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a store to remote workers over HTTP",
	Long: `Opens the configured store and serves it over HTTP so that workers on
other hosts can share studies with --storage http://<host>:<port>. Claims and
commits are applied atomically by this process.

The server also exposes /metrics, a contour page per study and a server-sent
event stream of resolved trials.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	switch connect.Scheme(cfg.Storage) {
	case "http", "https":
		return fmt.Errorf("serve needs a local store, got %s", cfg.Storage)
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := connect.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := server.NewServer(st, serveAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	slog.Info("Serving store", "storage", connect.Scheme(cfg.Storage), "addr", serveAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
