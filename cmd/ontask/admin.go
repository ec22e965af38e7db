package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/vnihit/ontask2-UNSW/internal/app"
	"github.com/vnihit/ontask2-UNSW/internal/config"
	"github.com/vnihit/ontask2-UNSW/internal/dkim"
)

var (
	cleanupDays  int
	dkimDomain   string
	dkimSelector string
	dkimOutDir   string
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an API key for the api.api_keys setting",
	Long:  `Hash an API key with bcrypt. The key is read from stdin when not given as an argument.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHashKey,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete job history older than N days",
	RunE:  runCleanup,
}

var dkimCmd = &cobra.Command{
	Use:   "dkim-keygen",
	Short: "Generate a DKIM key pair and print the DNS record",
	RunE:  runDKIMKeygen,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 90, "delete jobs initiated more than N days ago")

	dkimCmd.Flags().StringVar(&dkimDomain, "domain", "", "domain name (required)")
	dkimCmd.Flags().StringVar(&dkimSelector, "selector", "ontask", "DKIM selector")
	dkimCmd.Flags().StringVar(&dkimOutDir, "out", ".", "output directory for key file")
	dkimCmd.MarkFlagRequired("domain")

	rootCmd.AddCommand(hashKeyCmd, cleanupCmd, dkimCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	deleted, err := a.Storage().PruneJobs(cmd.Context(), time.Duration(cleanupDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to prune jobs: %w", err)
	}
	fmt.Printf("Deleted %d jobs older than %d days\n", deleted, cleanupDays)
	return nil
}

func runDKIMKeygen(cmd *cobra.Command, args []string) error {
	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	name, record, err := dkim.Generate(keyPath, dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}

func newCLILogger(cfg *config.Config) *slog.Logger {
	return app.NewLogger(cfg.Logging)
}
