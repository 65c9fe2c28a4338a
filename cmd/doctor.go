package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and daemon health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wabridge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  State:")
	checkPath("channel store", cfg.Store.Path, cfg.Store.Backend == "file")
	checkPath("journal", cfg.Journal.Path, true)
	checkPath("device db", cfg.Provider.DSN, cfg.Provider.Dialect != "postgres")
	fmt.Printf("    %-14s %v\n", "auth token:", cfg.Server.AuthToken != "")

	fmt.Println()
	fmt.Printf("  Daemon:   %s", baseURL(cfg.Server.Listen))
	c := &apiClient{base: baseURL(cfg.Server.Listen), token: cfg.Server.AuthToken, http: httpProbeClient()}
	var health protocol.ServerHealth
	if err := c.get("/healthz", &health); err != nil {
		fmt.Println(" (NOT RUNNING)")
	} else {
		fmt.Printf(" (OK, v%s, %d/%d channels connected)\n", health.Version, health.Connected, health.Channels)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPath(name, path string, relevant bool) {
	if !relevant {
		fmt.Printf("    %-14s (not used)\n", name+":")
		return
	}
	state := "(OK)"
	if _, err := os.Stat(path); err != nil {
		state = "(missing, created on first run)"
	}
	fmt.Printf("    %-14s %s %s\n", name+":", path, state)
}
