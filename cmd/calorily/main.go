package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "calorily",
	Short: "Calorily - meal photo analysis backend",
	Long: `Calorily accepts meal photos, analyzes them with a vision model in the
background and pushes the nutritional breakdown to connected clients.
Clients that were offline catch up through the sync endpoint.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Calorily version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (default $CALORILY_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(subscribeCmd)
}
