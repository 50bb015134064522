package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fogctl",
	Short: "Control the fogsched daemon",
	Long: `fogctl talks to a running fogschedd over its HTTP API.

It shows whether the fog task is running, changes the enable switch and the
schedule windows, and lists or clears the run history.
`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("server", envOr("FOGSCHED_SERVER", "http://127.0.0.1:7071"), "fogschedd base URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("FOGSCHED_AUTH_TOKEN"), "API token")

	rootCmd.AddCommand(Status())
	rootCmd.AddCommand(Config())
	rootCmd.AddCommand(History())
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
