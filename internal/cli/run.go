package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tickd/internal/app"
)

var stopGrace time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		a, err := app.New(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(cmd.Context()); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		var reason app.StopReason
		select {
		case sig := <-sigs:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}

		ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		stopErr := a.Stop(ctx, reason)
		if err := a.Err(); err != nil && reason == app.StopFatalError {
			return err
		}
		return stopErr
	},
}

func init() {
	runCmd.Flags().DurationVar(&stopGrace, "stop-grace", 20*time.Second, "upper bound for a graceful stop")
	rootCmd.AddCommand(runCmd)
}
