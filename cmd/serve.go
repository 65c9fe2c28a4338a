package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/internal/channel"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/gateway"
	apihttp "github.com/nextlevelbuilder/wabridge/internal/http"
	"github.com/nextlevelbuilder/wabridge/internal/journal"
	"github.com/nextlevelbuilder/wabridge/internal/lifecycle"
	"github.com/nextlevelbuilder/wabridge/internal/maintenance"
	"github.com/nextlevelbuilder/wabridge/internal/provider/wameow"
	"github.com/nextlevelbuilder/wabridge/internal/qr"
	"github.com/nextlevelbuilder/wabridge/internal/store"
	"github.com/nextlevelbuilder/wabridge/internal/store/file"
	"github.com/nextlevelbuilder/wabridge/internal/store/redis"
	"github.com/nextlevelbuilder/wabridge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long:  "Starts the HTTP API, the websocket event feed, and the channel lifecycle controller.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	level := setupLogger(cfg)
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("wabridge starting", "version", Version, "pid", os.Getpid())

	if err := ensureStateDirs(cfg); err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: cfg.Tracing.Insecure,
	}, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown", "error", err)
		}
	}()

	var records store.ChannelStore
	switch cfg.Store.Backend {
	case "redis":
		records, err = redis.Open(ctx, redis.Options{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
	default:
		records, err = file.Open(cfg.Store.Path)
	}
	if err != nil {
		return fmt.Errorf("open channel store: %w", err)
	}
	defer records.Close()
	log.Info("channel store ready", "backend", cfg.Store.Backend)

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	events := bus.New()

	prov, err := wameow.New(ctx, wameow.Config{
		Dialect:    cfg.Provider.Dialect,
		DSN:        cfg.Provider.DSN,
		DeviceName: cfg.Provider.DeviceName,
	}, records, log)
	if err != nil {
		return fmt.Errorf("open provider: %w", err)
	}
	defer prov.Close()

	ctrl := lifecycle.New(lifecycle.Options{
		Registry: channel.NewRegistry(),
		Records:  records,
		Creds:    prov,
		Dialer:   prov,
		Encoder:  qr.NewEncoder(256),
		Recorder: jnl,
		Bus:      events,
		Logger:   log,
		Config: lifecycle.Config{
			PairingWait: cfg.Pairing.Wait(),
			SettleDelay: cfg.Pairing.Settle(),
			Policy: lifecycle.Policy{
				MaxAttempts: cfg.Reconnect.MaxAttempts,
				BaseDelay:   cfg.Reconnect.BaseDelay(),
				MaxDelay:    cfg.Reconnect.MaxDelay(),
			},
		},
	})

	if n, err := ctrl.RestoreAll(ctx); err != nil {
		log.Warn("restore incomplete", "error", err)
	} else if n > 0 {
		log.Info("channels restored", "count", n)
	}

	hub := gateway.NewHub(events, ctrl, log)
	hub.Start()
	defer hub.Stop()

	sweeper := maintenance.NewSweeper(log)
	if cfg.Journal.PruneSchedule != "" {
		retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
		if err := sweeper.Add("journal-prune", cfg.Journal.PruneSchedule, maintenance.PruneJournal(jnl, retention, log)); err != nil {
			return fmt.Errorf("schedule journal prune: %w", err)
		}
	}
	if cfg.Journal.CensusSchedule != "" {
		if err := sweeper.Add("census", cfg.Journal.CensusSchedule, maintenance.Census(ctrl, events)); err != nil {
			return fmt.Errorf("schedule census: %w", err)
		}
	}
	sweeper.Start()
	defer sweeper.Stop()

	var limiter *gateway.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = gateway.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		defer limiter.Stop()
	}

	api := apihttp.NewServer(apihttp.Options{
		Lifecycle: ctrl,
		Journal:   jnl,
		Hub:       hub,
		Limiter:   limiter,
		Token:     cfg.Server.AuthToken,
		Version:   Version,
		Log:       log,
	})
	handler := api.Handler()

	// Hot reload: only the log level follows the file while running;
	// everything else needs a restart.
	if watcher, werr := config.NewWatcher(resolveConfigPath()); werr == nil {
		watcher.OnChange(func(next *config.Config) {
			if next.LogLevel() != level.Level() {
				log.Info("log level changed", "level", next.Log.Level)
				level.Set(next.LogLevel())
			}
		})
		if serr := watcher.Start(); serr != nil {
			log.Debug("config watch unavailable", "error", serr)
		} else {
			defer watcher.Stop()
		}
	}

	errs := make(chan error, 2)

	cleanupTS, err := initTailscale(ctx, cfg, handler, errs, log)
	if err != nil {
		return fmt.Errorf("tailscale: %w", err)
	}
	if cleanupTS != nil {
		defer cleanupTS()
	}

	if cfg.Server.Listen != "" {
		go func() {
			errs <- apihttp.ListenAndServe(ctx, cfg.Server.Listen, handler, log)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Warn("controller shutdown", "error", err)
	}
	log.Info("wabridge stopped")
	return nil
}

// ensureStateDirs creates the directories holding the file store, the
// journal, and the sqlite device database so a first run works without
// manual setup.
func ensureStateDirs(cfg *config.Config) error {
	dirs := []string{}
	if cfg.Store.Backend == "file" {
		dirs = append(dirs, filepath.Dir(cfg.Store.Path))
	}
	dirs = append(dirs, filepath.Dir(cfg.Journal.Path))
	if cfg.Provider.Dialect == "" || cfg.Provider.Dialect == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Provider.DSN))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}
