// cmd/forge/main.go

// Package main implements the forge CLI: it serves the orchestrator API and
// drives it from the command line.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// projectDir is the directory holding .forge/
	projectDir string
	// serverURL overrides the server address from the project config
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Schema-driven extraction orchestrator",
	Long: `forge compiles contract documents into generated targets. Contracts are
validated, ordered by their dependencies and run through a fixed phase
pipeline that records a hash-chained evidence log for every run.

Destructive writes wait for an approval from the authority that owns the
step's risk class.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory containing .forge/")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "forge server URL (defaults to the configured server address)")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(watchCmd)
}
