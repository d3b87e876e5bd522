package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var compareJSON bool

func init() {
	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().BoolVar(&compareJSON, "json", false, "emit the full comparison as JSON")
}

var compareCmd = &cobra.Command{
	Use:   "compare <session-id> <session-id> [session-id...]",
	Short: "Compare two or more sessions side by side",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := newManager(cfg, st)
		defer mgr.Shutdown(context.Background())

		cmp, err := mgr.Compare(context.Background(), args)
		if err != nil {
			return err
		}

		if compareJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cmp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tEVENTS\tMESSAGES\tDURATION\tAVG RESPONSE\tERRORS\tCOST")
		for _, id := range cmp.SessionIDs {
			s := cmp.Stats[id]
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%.1f%%\t$%.4f\n",
				id, s.TotalEvents, s.TotalMessages,
				s.Duration.Round(time.Millisecond),
				s.AvgResponseTime.Round(time.Millisecond),
				s.ErrorRate*100, s.TotalCost)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Printf("\nAligned timeline: %d distinct timestamps.\n", len(cmp.Aligned))
		return nil
	},
}
