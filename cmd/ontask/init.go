package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	initBaseURL  string
	initHostname string
	initSMTPHost string
	initFrom     string
	initDataDir  string
	initOutput   string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an OnTask configuration file",
	Long: `Create a configuration file with a fresh tracking secret and API key.

Missing values are prompted for. The generated API key is printed once; only
its bcrypt hash is written to the file.

Examples:
  ontask init --base-url https://ontask.example.edu --smtp-host smtp.example.edu \
    --from ontask@example.edu -o /etc/ontask/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "public URL tracking markers point at")
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "hostname used in SMTP greetings (default: base URL host)")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP relay host")
	initCmd.Flags().StringVar(&initFrom, "from", "", "sender address")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/ontask", "data directory")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initOutput)
		}
	}

	reader := bufio.NewReader(os.Stdin)
	if initBaseURL == "" {
		initBaseURL = prompt(reader, "Public base URL (e.g., https://ontask.example.edu)", "")
		if initBaseURL == "" {
			return fmt.Errorf("base URL is required")
		}
	}
	if initHostname == "" {
		initHostname = hostOf(initBaseURL)
	}
	if initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP relay host", "localhost")
	}
	if initFrom == "" {
		initFrom = prompt(reader, "Sender address", "ontask@"+initHostname)
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	content := generateConfig(string(hash), generateRandomString(48))
	if dir := filepath.Dir(initOutput); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(initOutput, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n\n", initOutput)
	fmt.Printf("API key (store it now, only the hash is saved):\n  %s\n", initAPIKey)
	return nil
}

func generateConfig(apiKeyHash, trackingSecret string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "server:\n  hostname: %q\n  base_url: %q\n\n", initHostname, initBaseURL)
	fmt.Fprintf(&b, "api:\n  listen_addr: \":8080\"\n  api_keys:\n    - %q\n\n", apiKeyHash)
	fmt.Fprintf(&b, "storage:\n  path: %q\n  job_retention: 8760h\n\n", filepath.Join(initDataDir, "ontask.db"))
	fmt.Fprintf(&b, "smtp:\n  host: %q\n  port: 587\n  from: %q\n  tls: starttls\n\n", initSMTPHost, initFrom)
	fmt.Fprintf(&b, "tracking:\n  secret: %q\n\n", trackingSecret)
	b.WriteString("dispatch:\n  transport: smtp\n  concurrency: 4\n\n")
	b.WriteString("scheduler:\n  enabled: true\n  poll_interval: 1m\n\n")
	b.WriteString("metrics:\n  enabled: true\n  allowed_ips:\n    - 127.0.0.1\n\n")
	b.WriteString("logging:\n  level: info\n  format: json\n")
	return b.String()
}

func hostOf(baseURL string) string {
	host := baseURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, (length+1)/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:length]
}
