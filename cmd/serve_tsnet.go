//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	apihttp "github.com/nextlevelbuilder/wabridge/internal/http"
)

// initTailscale serves the API over a tailnet alongside the plain listener.
// Only compiled with -tags tsnet. The listener shares the same handler, so
// auth and rate limiting apply on both.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler, errs chan<- error, log *slog.Logger) (func(), error) {
	tc := cfg.Tailscale
	if !tc.Enabled {
		return nil, nil
	}
	if tc.Hostname == "" {
		return nil, fmt.Errorf("tailscale.hostname is empty")
	}

	srv := &tsnet.Server{
		Hostname: tc.Hostname,
		AuthKey:  tc.AuthKey,
	}
	if tc.StateDir != "" {
		srv.Dir = tc.StateDir
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("tailnet listen: %w", err)
	}
	log.Info("tailnet listener started", "hostname", tc.Hostname)

	go func() {
		errs <- apihttp.Serve(ctx, ln, handler, log)
	}()

	return func() {
		ln.Close()
		srv.Close()
		log.Info("tailnet listener stopped")
	}, nil
}
