package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(
		configShowCmd(),
		configPathCmd(),
		configValidateCmd(),
		configInitCmd(),
	)
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(redactConfig(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("Config at %s is valid.\n", path)
			return nil
		},
	}
}

// starterConfig is written by `config init`. It mirrors the defaults so a
// fresh install has something concrete to edit.
const starterConfig = `# wabridge configuration
server:
  listen: "127.0.0.1:8377"
  # auth_token: "change-me"
  rate_limit: 20
  rate_burst: 40

log:
  level: info
  format: text

store:
  backend: file # or redis
  path: ~/.wabridge/channels.json
  redis:
    addr: "127.0.0.1:6379"
    key_prefix: wabridge

provider:
  dialect: sqlite # or postgres
  dsn: ~/.wabridge/devices.db
  device_name: wabridge

pairing:
  wait_ms: 15000
  settle_ms: 1000

reconnect:
  max_attempts: 5
  base_delay_ms: 3000
  max_delay_ms: 60000

journal:
  path: ~/.wabridge/journal.db
  retention_days: 14
  prune_schedule: "0 * * * *"
  census_schedule: "* * * * *"

# tracing:
#   endpoint: "localhost:4317"
#   protocol: grpc
#   insecure: true

# tailscale:
#   enabled: true
#   hostname: wabridge
`

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// redactConfig returns a JSON-safe copy with secrets masked.
func redactConfig(cfg *config.Config) any {
	type view struct {
		Server    config.ServerConfig    `json:"server"`
		Log       config.LogConfig       `json:"log"`
		Store     config.StoreConfig     `json:"store"`
		Provider  config.ProviderConfig  `json:"provider"`
		Pairing   config.PairingConfig   `json:"pairing"`
		Reconnect config.ReconnectConfig `json:"reconnect"`
		Journal   config.JournalConfig   `json:"journal"`
		Tracing   config.TracingConfig   `json:"tracing"`
		Tailscale config.TailscaleConfig `json:"tailscale"`
	}
	v := view{
		Server:    cfg.Server,
		Log:       cfg.Log,
		Store:     cfg.Store,
		Provider:  cfg.Provider,
		Pairing:   cfg.Pairing,
		Reconnect: cfg.Reconnect,
		Journal:   cfg.Journal,
		Tracing:   cfg.Tracing,
		Tailscale: cfg.Tailscale,
	}
	v.Server.AuthToken = mask(v.Server.AuthToken)
	v.Store.Redis.Password = mask(v.Store.Redis.Password)
	v.Tailscale.AuthKey = mask(v.Tailscale.AuthKey)
	if cfg.Provider.Dialect == "postgres" {
		v.Provider.DSN = "(redacted)"
	}
	return v
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "(redacted)"
}
