package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnihit/ontask2-UNSW/internal/api"
	"github.com/vnihit/ontask2-UNSW/internal/app"
	"github.com/vnihit/ontask2-UNSW/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ontask",
	Short: "OnTask - personalised feedback campaigns",
	Long: `OnTask filters a course dataset, renders conditional content for each
student and emails it, tracking when the messages are opened.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and scheduler",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ontask version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application for one-shot commands
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return a.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  API address:  %s\n", cfg.API.ListenAddr)
	fmt.Printf("  API keys:     %d\n", len(cfg.API.APIKeys))
	fmt.Printf("  Storage:      %s\n", cfg.Storage.Path)
	fmt.Printf("  Transport:    %s\n", cfg.Dispatch.Transport)
	fmt.Printf("  Concurrency:  %d\n", cfg.Dispatch.Concurrency)
	fmt.Printf("  Demo mode:    %v\n", cfg.Dispatch.DemoMode)
	fmt.Printf("  Scheduler:    %v\n", cfg.Scheduler.Enabled)
	if cfg.Lock.RedisAddr != "" {
		fmt.Printf("  Run lock:     redis %s\n", cfg.Lock.RedisAddr)
	} else {
		fmt.Printf("  Run lock:     in process\n")
	}
	fmt.Printf("  DKIM:         %v\n", cfg.DKIM.Enabled)
	fmt.Printf("  Rate limits:  %v\n", cfg.RateLimit.Enabled)
	fmt.Printf("  Metrics:      %v\n", cfg.Metrics.Enabled)
	return nil
}
