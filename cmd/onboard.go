package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/auth"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func onboardCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long:  "Writes a config file with a freshly generated shared secret. With --yes the defaults (plus AGENTRELAY_* env) are written without prompting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath(), !yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept defaults without prompting")
	return cmd
}

// onboardAnswers holds the wizard's string-typed inputs.
type onboardAnswers struct {
	Host          string
	Port          string
	Driver        string
	BridgeCommand string
	AutoStart     bool
	RetentionDays string
	Rotate        bool
}

func runOnboard(cfgPath string, interactive bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	_, statErr := os.Stat(cfgPath)
	existing := statErr == nil

	ans := onboardAnswers{
		Host:          cfg.Relay.Host,
		Port:          strconv.Itoa(cfg.Relay.Port),
		Driver:        cfg.Store.Driver,
		BridgeCommand: strings.TrimSpace(strings.Join(append([]string{cfg.Bridge.Command}, cfg.Bridge.Args...), " ")),
		AutoStart:     cfg.Bridge.AutoStart,
		RetentionDays: strconv.Itoa(cfg.Events.RetentionDays),
	}

	if interactive {
		if existing {
			fmt.Printf("Updating existing config at %s\n\n", cfgPath)
		}
		if err := onboardForm(&ans, cfg.Token() != "").Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Setup cancelled.")
				return nil
			}
			return err
		}
	}

	if err := applyOnboardAnswers(cfg, ans); err != nil {
		return err
	}
	if cfg.Token() == "" || ans.Rotate {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		cfg.SetToken(secret)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Config written:  %s\n", cfgPath)
	fmt.Printf("  Relay URL:       %s\n", cfg.BaseURL())
	fmt.Printf("  Shared secret:   %s\n", cfg.Token())
	fmt.Println()
	fmt.Println("  Start the relay:        agentrelay")
	fmt.Println("  Pair another device:    agentrelay pair")
	if cfg.Store.Driver == driverPostgres {
		fmt.Println()
		fmt.Println("  Postgres selected: export AGENTRELAY_POSTGRES_DSN before starting (it is never written to the config file).")
	}
	return nil
}

func onboardForm(ans *onboardAnswers, hasSecret bool) *huh.Form {
	fields := []huh.Field{
		huh.NewInput().
			Title("Listen host").
			Description("127.0.0.1 keeps the relay local; 0.0.0.0 exposes it on every interface.").
			Value(&ans.Host),
		huh.NewInput().
			Title("Listen port").
			Value(&ans.Port).
			Validate(validatePort),
		huh.NewSelect[string]().
			Title("Event store").
			Options(
				huh.NewOption("SQLite (embedded, no setup)", driverSQLite),
				huh.NewOption("PostgreSQL (DSN from AGENTRELAY_POSTGRES_DSN)", driverPostgres),
			).
			Value(&ans.Driver),
		huh.NewInput().
			Title("Event retention (days)").
			Description("0 keeps events forever.").
			Value(&ans.RetentionDays).
			Validate(validateNonNegative),
	}
	bridgeFields := []huh.Field{
		huh.NewInput().
			Title("Bridge command").
			Description("Command line of the agent bridge to supervise. Leave empty to run without one.").
			Value(&ans.BridgeCommand),
		huh.NewConfirm().
			Title("Start the bridge with the relay?").
			Value(&ans.AutoStart),
	}
	groups := []*huh.Group{
		huh.NewGroup(fields...),
		huh.NewGroup(bridgeFields...),
	}
	if hasSecret {
		groups = append(groups, huh.NewGroup(
			huh.NewConfirm().
				Title("Generate a new shared secret?").
				Description("Paired devices will need to pair again.").
				Value(&ans.Rotate),
		))
	}
	return huh.NewForm(groups...)
}

func applyOnboardAnswers(cfg *config.Config, ans onboardAnswers) error {
	if err := validatePort(ans.Port); err != nil {
		return err
	}
	if err := validateNonNegative(ans.RetentionDays); err != nil {
		return err
	}
	port, _ := strconv.Atoi(strings.TrimSpace(ans.Port))
	days, _ := strconv.Atoi(strings.TrimSpace(ans.RetentionDays))

	cfg.Relay.Host = strings.TrimSpace(ans.Host)
	cfg.Relay.Port = port
	cfg.Store.Driver = ans.Driver
	cfg.Events.RetentionDays = days

	parts := strings.Fields(ans.BridgeCommand)
	if len(parts) == 0 {
		cfg.Bridge.Command, cfg.Bridge.Args = "", nil
	} else {
		cfg.Bridge.Command, cfg.Bridge.Args = parts[0], parts[1:]
	}
	cfg.Bridge.AutoStart = ans.AutoStart && cfg.Bridge.Command != ""
	return nil
}

func validatePort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func validateNonNegative(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("must be a whole number, 0 or more")
	}
	return nil
}
