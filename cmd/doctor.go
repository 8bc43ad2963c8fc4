package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Relay:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Addr())
	fmt.Printf("    %-12s %s\n", "Base URL:", cfg.BaseURL())
	if cfg.Token() == "" {
		fmt.Printf("    %-12s NOT SET (run: agentrelay onboard)\n", "Secret:")
	} else {
		fmt.Printf("    %-12s %s\n", "Secret:", maskSecret(cfg.Token()))
	}
	checkListen(cfg.Addr())
	checkDir("Data dir:", cfg.DataPath())
	checkDir("Uploads:", cfg.UploadsDir())

	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	if cfg.Store.Driver == driverSQLite {
		fmt.Printf("    %-12s %s\n", "Path:", cfg.StorePath())
	}
	checkSchema(cfg)

	fmt.Println()
	fmt.Println("  Bridge:")
	if cfg.Bridge.Command == "" {
		fmt.Printf("    %-12s not configured\n", "Command:")
	} else {
		checkBinary(cfg.Bridge.Command)
		fmt.Printf("    %-12s %v\n", "Auto-start:", cfg.Bridge.AutoStart)
		fmt.Printf("    %-12s %s\n", "Log:", cfg.BridgeLogPath())
	}

	if cfg.Tailscale.Hostname != "" {
		fmt.Println()
		fmt.Println("  Tailscale:")
		fmt.Printf("    %-12s %s\n", "Hostname:", cfg.Tailscale.Hostname)
		if cfg.Tailscale.AuthKey == "" {
			fmt.Printf("    %-12s not set (interactive login on first start)\n", "Auth key:")
		} else {
			fmt.Printf("    %-12s set\n", "Auth key:")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSchema(cfg *config.Config) {
	m, err := openMigrator(storeConfig(cfg))
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer m.Close()

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Printf("    %-12s empty (applied on first start, or run: agentrelay migrate up)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: agentrelay migrate force %d)\n", "Schema:", v, int(v)-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkListen(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Printf("    %-12s in use (%s)\n", "Port:", err)
		return
	}
	ln.Close()
	fmt.Printf("    %-12s free\n", "Port:")
}

func checkDir(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND, created on start)\n", label, path)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", label, path)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s (NOT FOUND)\n", "Command:", name)
		return
	}
	fmt.Printf("    %-12s %s\n", "Command:", path)
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "…" + s[len(s)-4:]
}
