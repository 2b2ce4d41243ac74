package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/seastall/fishreply/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: write a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	cfg := config.Default()
	cfg.Coze.APIToken = os.Getenv("FISHREPLY_COZE_TOKEN")

	var (
		token       = cfg.Coze.APIToken
		botID       string
		headless    bool
		driver      = cfg.Database.Driver
		timeoutMins = strconv.Itoa(cfg.Reengage.TimeoutMinutes)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Coze API token").
				Description("Stored in the FISHREPLY_COZE_TOKEN env var, not in the config file.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewInput().
				Title("Coze bot id").
				Value(&botID),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run the browser headless?").
				Description("Keep this off for the first run; logging in needs a visible QR code.").
				Value(&headless),
			huh.NewSelect[string]().
				Title("Session database").
				Options(
					huh.NewOption("SQLite (local file, default)", "sqlite"),
					huh.NewOption("Postgres (set FISHREPLY_POSTGRES_DSN)", "postgres"),
				).
				Value(&driver),
			huh.NewInput().
				Title("Re-engagement timeout (minutes)").
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("enter a number")
					}
					return nil
				}).
				Value(&timeoutMins),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Coze.BotID = botID
	cfg.Browser.Headless = headless
	cfg.Database.Driver = driver
	if n, err := strconv.Atoi(timeoutMins); err == nil {
		cfg.Reengage.TimeoutMinutes = n
	}
	// The token never lands on disk.
	cfg.Coze.APIToken = ""

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", cfgPath)
	if token != "" {
		fmt.Println("remember to export FISHREPLY_COZE_TOKEN before running")
	}
	fmt.Println("start the bot with: fishreply")
	return nil
}
