// Package main runs the AgroTour offline sync daemon. It embeds the
// sync engine and exposes a localhost control surface (WebSocket plus a
// small status API) that desktop and mobile shells attach to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agrotour/offline/internal/config"
	"github.com/agrotour/offline/internal/engine"
	"github.com/agrotour/offline/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	cfgFile   string
	serverURL string
	dataDir   string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "AgroTour offline sync daemon",
	Long: `syncd keeps a local operation queue and read cache for the AgroTour
client. Writes made while offline are queued durably and drained to the
server when connectivity returns; reads are served from a TTL cache with
stale fallback.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default syncd.yaml in . or $HOME/.agrotour)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "sync server base URL")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for queue and cache databases")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logging.Init(os.Stdout, parseLogLevel(cfg.LogLevel))

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build sync engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Start(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           controlMux(e),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("control surface listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutdown signal received", nil)
	case err := <-errCh:
		logging.Error("control surface failed", err, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("control surface shutdown failed", err, nil)
	}
	e.Shutdown()
	return nil
}

// controlMux wires the engine's local surface: the WebSocket control
// channel plus read-only status endpoints for shells that poll.
func controlMux(e *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.ControlHandler())
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"agrotour-syncd"}`))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		stats, err := e.QueueStats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"online":   e.IsOnline(),
			"syncing":  e.IsSyncing(),
			"queue":    stats,
			"counters": e.Counters(),
		})
	})
	return mux
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
