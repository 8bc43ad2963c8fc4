//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

// initTailscale joins the tailnet as cfg.Tailscale.Hostname and serves
// handler there in addition to the main listener. Returns a cleanup func,
// or nil when Tailscale is not configured or fails to come up.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	stateDir := config.ExpandHome(tc.StateDir)
	if stateDir == "" {
		stateDir = filepath.Join(cfg.DataPath(), "tsnet")
	}
	ts := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       stateDir,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		Logf: func(format string, args ...any) {
			slog.Debug("tsnet: "+format, "args", args)
		},
	}

	upCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := ts.Up(upCtx); err != nil {
		slog.Error("tailscale.up_failed", "hostname", tc.Hostname, "error", err)
		ts.Close()
		return nil
	}

	var (
		ln  net.Listener
		err error
	)
	if tc.EnableTLS {
		ln, err = ts.ListenTLS("tcp", ":443")
	} else {
		ln, err = ts.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale.listen_failed", "hostname", tc.Hostname, "error", err)
		ts.Close()
		return nil
	}

	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tailscale.serve_failed", "error", err)
		}
	}()
	slog.Info("tailscale listener ready", "hostname", tc.Hostname, "tls", tc.EnableTLS)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ts.Close()
	}
}
