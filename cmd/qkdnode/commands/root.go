// Package commands implements the qkdnode CLI, following gobfd's
// cmd/gobfd daemon conventions collapsed into a single binary (this
// system has no separate control-plane client in scope, so there is no
// gobfdctl analog).
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the shared --config flag, read by serveCmd.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "qkdnode",
	Short: "QKD post-processing pipeline daemon",
	Long:  "qkdnode runs one side (transmitter or detector) of the QKD post-processing pipeline: alignment, sifting, error correction, privacy amplification, and key packaging, coordinated over RPC with its peer.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML); empty uses defaults")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
