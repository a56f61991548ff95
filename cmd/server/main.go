package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "ai-workflows",
	Short:        "AI workflow execution service",
	SilenceUsage: true,
	Long: `ai-workflows runs configured AI workflows for an LMS: chat with history,
streamed answers and long background generations, behind an HTTP API and an
MCP endpoint.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml or ./config/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
