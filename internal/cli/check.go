package cli

import (
	"github.com/spf13/cobra"

	"tickd/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and list its tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Load()
		if err != nil {
			return err
		}
		cmd.Printf("config ok: %s\n", cfgPath)
		for _, tc := range cfg.Tasks {
			spec, err := tc.Resolve()
			if err != nil {
				return err
			}
			rt := spec.Runtime
			if rt == "" {
				rt = "bg"
			}
			state := "enabled"
			if tc.Disabled {
				state = "disabled"
			}
			cmd.Printf("  %-20s %-10s every %-10s runtime=%s %s\n", spec.Name, spec.Job, spec.Interval, rt, state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
