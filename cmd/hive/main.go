// Package main provides the hive CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Task orchestration with resilient worker dispatch",
	Long: `hive assigns tasks to capable workers, tracks their lifecycle, and
guards worker calls with retries and per-worker circuit breakers.

Run 'hive serve' to start the server, then use the other commands to
submit, inspect and cancel tasks.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./hive.yaml or ~/.config/hive/hive.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("HIVE_SERVER", "http://localhost:3001"), "hive server URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	Execute()
}
