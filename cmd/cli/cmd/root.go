package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "billing",
	Short: "Metered billing CLI - inspect usage and billing cycles",
	Long: `Metered billing accrues per-resource usage for running deployments
and folds it into per-owner billing cycles.

This CLI tool allows you to:
- View current-cycle usage for an owner
- Browse billing cycles and their statements
- Report payment outcomes for cycles
- Send deployment lifecycle events
- Generate billing reports`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("BILLING_URL", defaultServerURL), "Billing server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", getEnvOrDefault("BILLING_OUTPUT", defaultOutputFormat), "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
