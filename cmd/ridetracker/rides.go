// README: rides command; lists completed rides from the local store, newest first.
package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ridepulse/internal/config"
	"ridepulse/internal/modules/tracking"
)

func newRidesCmd(load func() (config.Config, error)) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "rides",
		Short: "List recorded rides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := tracking.OpenBoltRideLog(cfg.Tracking.DataDir, true)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ListSummaries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRides(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rides to show")
	return cmd
}

func printRides(w io.Writer, rows []tracking.RideSummaryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no rides recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RIDE\tENDED\tDURATION\tDISTANCE")
	for _, r := range rows {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			id,
			humanize.Time(r.RideEndAt),
			r.RideEndAt.Sub(r.RideStartAt).Round(time.Second),
			humanize.SIWithDigits(r.Distance, 2, "m"),
		)
	}
	_ = tw.Flush()
}
