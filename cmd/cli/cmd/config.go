package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultServerURL    = "http://localhost:8080"
	defaultOutputFormat = "table"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage CLI configuration",
	Long:  `View the billing server the CLI talks to, and how to change it.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration and server status",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Supported keys:
  server  - Billing server URL (BILLING_URL)
  output  - Default output format, table or json (BILLING_OUTPUT)`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// ResolvedConfig is what config show reports
type ResolvedConfig struct {
	Server       string            `json:"server"`
	ServerSource string            `json:"server_source"`
	Output       string            `json:"output"`
	OutputSource string            `json:"output_source"`
	Status       string            `json:"status"`
	Services     map[string]string `json:"services,omitempty"`
}

// settingSource names where a persistent flag's value came from
func settingSource(flag, envKey string) string {
	if f := rootCmd.PersistentFlags().Lookup(flag); f != nil && f.Changed {
		return "flag --" + flag
	}
	if os.Getenv(envKey) != "" {
		return "env " + envKey
	}
	return "default"
}

// serverStatus asks the server's health endpoint. A 503 still carries a
// body describing what is not ready.
func serverStatus() (string, map[string]string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		return "unreachable", nil
	}
	defer resp.Body.Close()

	var health struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status == "" {
		return fmt.Sprintf("unexpected response (%d)", resp.StatusCode), nil
	}
	return health.Status, health.Services
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := ResolvedConfig{
		Server:       serverURL,
		ServerSource: settingSource("server", "BILLING_URL"),
		Output:       outputFormat,
		OutputSource: settingSource("output", "BILLING_OUTPUT"),
	}
	cfg.Status, cfg.Services = serverStatus()

	if outputFormat == "json" {
		return printJSON(cfg)
	}

	fmt.Println("Billing CLI Configuration")
	fmt.Println("=========================")
	fmt.Println()
	fmt.Printf("Server:   %s (%s)\n", cfg.Server, cfg.ServerSource)
	fmt.Printf("Output:   %s (%s)\n", cfg.Output, cfg.OutputSource)
	fmt.Printf("Status:   %s\n", cfg.Status)

	if len(cfg.Services) > 0 {
		names := make([]string, 0, len(cfg.Services))
		for name := range cfg.Services {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println("\nServices:")
		for _, name := range names {
			fmt.Printf("  %-15s %s\n", name, cfg.Services[name])
		}
	}

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	var env, flag string
	switch key {
	case "server":
		env, flag = "BILLING_URL", "--server"
	case "output":
		if value != "table" && value != "json" {
			return fmt.Errorf("invalid output format %q (want table or json)", value)
		}
		env, flag = "BILLING_OUTPUT", "--output"
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	fmt.Println("The CLI keeps no config file. Set it in your shell:")
	fmt.Printf("  export %s=%s\n", env, value)
	fmt.Println()
	fmt.Printf("Or pass %s with each command.\n", flag)
	return nil
}
