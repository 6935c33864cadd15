package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentsubstrate/internal/bus"
	"github.com/nextlevelbuilder/agentsubstrate/internal/chatadapter"
	"github.com/nextlevelbuilder/agentsubstrate/internal/config"
	"github.com/nextlevelbuilder/agentsubstrate/internal/host"
	"github.com/nextlevelbuilder/agentsubstrate/internal/idgen"
	"github.com/nextlevelbuilder/agentsubstrate/internal/tracing"
)

func serveCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent host (session lifecycle, task manager, scheduler, event bus)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8791", "address for the event bus's websocket endpoint")
	return cmd
}

func runServe(listenAddr string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(cfg.Database.PostgresDSN); err != nil {
			return err
		}
	}

	shutdownTracing := tracing.Init(cfg.Telemetry.ServiceName)
	defer shutdownTracing(context.Background())

	h, err := host.New(context.Background(), cfg, chatadapter.LoggingAdapter{}, nil)
	if err != nil {
		return err
	}

	stopWatch, err := config.Watch(resolveConfigPath(), func(next *config.Config) {
		h.Config.ReplaceFrom(next)
		slog.Info("config reloaded")
	})
	if err != nil {
		slog.Warn("config hot-reload not active", "error", err)
	} else {
		defer stopWatch()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}
		// The handler returns immediately; the hijacked connection stays
		// open and sink.readPump's own defer unsubscribes/closes it once
		// the client disconnects.
		if _, err := bus.UpgradeWSSink(w, r, h.Events, userID, idgen.Short()); err != nil {
			slog.Warn("ws upgrade failed", "error", err)
		}
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		slog.Info("event bus websocket listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ws server failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := h.Run(ctx)
	srv.Close()
	return runErr
}
