//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/wabridge/internal/config"
)

// initTailscale is a no-op without the "tsnet" tag. Build with
// `go build -tags tsnet` to serve the API over a tailnet.
func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler, _ chan<- error, log *slog.Logger) (func(), error) {
	if cfg.Tailscale.Enabled {
		log.Warn("tailscale.enabled is set but this build lacks the tsnet tag")
	}
	return nil, nil
}
