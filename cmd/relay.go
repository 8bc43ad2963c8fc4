package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/bridge"
	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/capability"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/cron"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	httpapi "github.com/nextlevelbuilder/agentrelay/internal/http"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// pairingConsumeBurst bounds back-to-back guesses from one address.
const pairingConsumeBurst = 3

func runRelay() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.Token() == "" {
		fmt.Println("No shared secret configured.")
		fmt.Println()
		fmt.Println("Run the setup wizard:  agentrelay onboard")
		fmt.Println("Or set AGENTRELAY_TOKEN for this run.")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveRelay(ctx, cfg, cfgPath); err != nil {
		slog.Error("relay error", "error", err)
		os.Exit(1)
	}
}

// serveRelay wires every component and blocks until ctx is cancelled or a
// component fails. Resources are released before it returns.
func serveRelay(ctx context.Context, cfg *config.Config, cfgPath string) (retErr error) {
	if err := os.MkdirAll(cfg.DataPath(), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	stores, err := openStores(storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	msgBus := bus.New()
	guard := auth.NewGuard(cfg.Token())
	pairing := capability.NewPairingCodes(cfg.PairingTTL())
	uploads := capability.NewUploads(stores.Uploads, cfg.UploadsDir(), cfg.Uploads.MaxBytes, cfg.UploadTTL())

	server := gateway.NewServer(cfg, cfgPath, guard, pairing, stores.Events, msgBus)

	sup := bridge.New(bridge.Options{
		Command:     cfg.Bridge.Command,
		Args:        cfg.Bridge.Args,
		Dir:         config.ExpandHome(cfg.Bridge.Dir),
		LogPath:     cfg.BridgeLogPath(),
		Env:         cfg.Bridge.Env,
		StopTimeout: cfg.StopTimeout(),
		Secret:      guard.Secret,
		RelayURL:    cfg.BridgeURL(),
		Events:      msgBus,
	})
	server.SetBridge(sup)

	defer func() {
		var result *multierror.Error
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout()+2*time.Second)
		defer cancel()
		if err := sup.Close(closeCtx); err != nil && !errors.Is(err, bridge.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("stop bridge: %w", err))
		}
		if err := stores.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
		if err := result.ErrorOrNil(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	server.SetAdminHandler(httpapi.NewAdminHandler(guard, sup, server, server, stores.Events, uploads, cfg.Events.RetentionDays))
	server.SetEventsHandler(httpapi.NewEventsHandler(guard, stores.Events, cfg.Events.MaxReplay))
	server.SetUploadsHandler(httpapi.NewUploadsHandler(guard, uploads, cfg.BaseURL))

	pairingHandler := httpapi.NewPairingHandler(guard, pairing, guard.Secret)
	if limiter := gateway.NewRateLimiter(cfg.Pairing.ConsumeRPM, pairingConsumeBurst); limiter.Enabled() {
		pairingHandler.SetRateLimiter(limiter.Allow, gateway.ClientIP)
		slog.Info("pairing consume rate limiting enabled", "rpm", cfg.Pairing.ConsumeRPM)
	}
	server.SetPairingHandler(pairingHandler)

	scheduler, err := cron.New(maintenanceJobs(cfg, stores, pairing, uploads)...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}

	// Same routes on the tailnet when built with -tags tsnet.
	if cleanup := initTailscale(ctx, cfg, server.BuildMux()); cleanup != nil {
		defer cleanup()
	}

	slog.Info("agentrelay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", ln.Addr().String(),
		"store", cfg.Store.Driver,
		"jobs", scheduler.Jobs(),
		"bridge_command", cfg.Bridge.Command,
	)
	if cfg.Tailscale.Hostname != "" && cfg.Relay.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting AGENTRELAY_HOST=127.0.0.1 for localhost-only + Tailscale access")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(fresh *config.Config) {
			if server.ApplySecret(gctx, fresh.Token(), gateway.RotationFile) {
				slog.Info("config.secret_reloaded", "path", cfgPath)
			}
		})
		if err != nil {
			// Not fatal: the relay still serves, only external edits go unnoticed.
			slog.Warn("config.watch_disabled", "path", cfgPath, "error", err)
		}
		return nil
	})

	if cfg.Bridge.AutoStart {
		if err := sup.Start(gctx); err != nil {
			slog.Warn("bridge.autostart_failed", "error", err)
		}
	}

	err = g.Wait()
	slog.Info("agentrelay stopped")
	return err
}

// maintenanceJobs builds the periodic retention, sweep and prune jobs.
func maintenanceJobs(cfg *config.Config, stores *store.Stores, pairing *capability.PairingCodes, uploads *capability.Uploads) []cron.Job {
	retentionSchedule := cfg.Events.PruneSchedule
	if cfg.Events.RetentionDays <= 0 {
		retentionSchedule = ""
	}
	return []cron.Job{
		{
			Name:     "events.retention",
			Schedule: retentionSchedule,
			Run: func(ctx context.Context) error {
				n, err := store.PruneOlderThan(ctx, stores.Events, cfg.Events.RetentionDays, time.Now())
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("events.pruned", "deleted", n, "retention_days", cfg.Events.RetentionDays)
				}
				return nil
			},
		},
		{
			Name:     "pairing.sweep",
			Schedule: cfg.Pairing.SweepSchedule,
			Run: func(ctx context.Context) error {
				if n := pairing.Sweep(); n > 0 {
					slog.Debug("pairing.swept", "expired", n)
				}
				return nil
			},
		},
		{
			Name:     "uploads.prune",
			Schedule: cfg.Uploads.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := uploads.Prune(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					slog.Info("uploads.pruned", "deleted", n)
				}
				return nil
			},
		},
	}
}
