// Package cli implements the tickd command line.
package cli

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X tickd/internal/cli.version=...".
var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "tickd",
	Short:         "Run housekeeping jobs at fixed intervals",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (.json, .yaml, .toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
