// Command relay-server runs the paired-device relay daemon: it accepts
// /ws/relay upgrades, enforces identity/pairing/liveness/ordering, and
// forwards opaque encrypted payloads between a user's paired endpoints.
// It never decrypts or persists payload content.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flag"

	"studiorelay/audit"
	"studiorelay/authsvc"
	"studiorelay/config"
	"studiorelay/internal/logging"
	"studiorelay/internal/state"
	"studiorelay/relaysrv"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.json", "Path to configuration file (or '-' for stdin)")
	flag.Parse()

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	baseLogger := logging.New(logging.ParseLevel(cfg.NormalisedLevel()), os.Stdout)
	logger := baseLogger.With(map[string]interface{}{"component": "relaysrv"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadTracker := state.NewReloadTracker(10)

	auth, err := authsvc.New()
	if err != nil {
		log.Fatalf("failed to init auth service: %v", err)
	}

	auditLog, err := audit.New(audit.Config{OutputPath: cfg.Audit.OutputPath})
	if err != nil {
		log.Fatalf("failed to init audit log: %v", err)
	}
	defer auditLog.Close()

	server := relaysrv.New(
		auth,
		auditLog,
		logger,
		cfg.MaxConnections,
		cfg.ConnectionRate,
		cfg.ConnectionBurst,
		cfg.AllowOrigins,
		relaysrv.WithManagement(cfg.Management.Bind),
	)
	server.Start()

	startConfigWatcher(ctx, cfgPath, logger, reloadTracker, func(updated *config.ServerConfig) {
		changes := []string{}
		if updated.NormalisedLevel() != cfg.NormalisedLevel() {
			baseLogger.SetLevel(logging.ParseLevel(updated.NormalisedLevel()))
			changes = append(changes, "log_level")
		}
		cfg = updated
		reloadTracker.RecordSuccess(changes)
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: server.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay server listening", map[string]interface{}{"addr": cfg.Listen})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, closing relay server gracefully", nil)
	case err := <-serveErr:
		if err != nil {
			logger.Error("listen error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("relay server shutdown complete", nil)
}

const configWatchInterval = 5 * time.Second

// startConfigWatcher polls cfgPath for mtime changes and re-applies the
// subset of settings that are safe to hot-swap (log level today), rather
// than pulling in an fsnotify dependency for a single file.
func startConfigWatcher(ctx context.Context, path string, logger *logging.Logger, tracker *state.ReloadTracker, apply func(*config.ServerConfig)) {
	if path == "" || path == "-" || apply == nil {
		return
	}
	info, err := os.Stat(path)
	lastMod := time.Time{}
	if err != nil {
		logger.Warn("config watcher stat failed", map[string]interface{}{"error": err.Error(), "path": path})
	} else {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(configWatchInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					logger.Warn("config watcher stat failed", map[string]interface{}{"error": err.Error(), "path": path})
					continue
				}
				mod := info.ModTime()
				if !mod.After(lastMod) {
					continue
				}
				cfg, err := config.LoadServerConfig(path)
				if err != nil {
					logger.Warn("config reload failed", map[string]interface{}{"error": err.Error()})
					if tracker != nil {
						tracker.RecordFailure(err)
					}
					continue
				}
				apply(cfg)
				lastMod = mod
				logger.Info("config reloaded", map[string]interface{}{"path": path})
			}
		}
	}()
}
