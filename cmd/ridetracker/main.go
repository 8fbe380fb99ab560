// README: Device-side tracker CLI; replays position fixes through the estimator and ride session, and lists recorded rides.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ridepulse/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "ridetracker",
		Short:         "Track rides from a position stream and inspect ride history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")

	load := func() (config.Config, error) { return config.Load(configFile) }
	root.AddCommand(newTrackCmd(load), newRidesCmd(load))
	return root
}
