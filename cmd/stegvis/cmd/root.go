package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X github.com/stegvis/stegvis/cmd/stegvis/cmd.version=1.0.0"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stegvis",
	Short: "Guided wizard server for Swedish annual report filing",
	Long: `Stegvis serves step-by-step conversational flows that walk a company
through completing its statutory annual report: collecting figures,
recalculating the tax form, and preparing the filing.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
}
