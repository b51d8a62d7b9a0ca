package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sqwatch/sqwatch/internal/types"
)

var (
	unitsStatus   string
	unitsDatabase string
	unitsLimit    int
)

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "List slow query units",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.UnitFilter{
			Database: unitsDatabase,
			Limit:    unitsLimit,
		}
		if unitsStatus != "" {
			st := types.UnitStatus(unitsStatus)
			if !st.IsValid() {
				return fmt.Errorf("invalid status %q", unitsStatus)
			}
			filter.Status = st
		}

		units, err := store.ListUnits(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(units) == 0 {
			fmt.Println("no units match")
			return nil
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		for _, u := range units {
			paint := gray
			switch u.Status {
			case types.StatusSuccess:
				paint = green
			case types.StatusError, types.StatusFailed:
				paint = red
			case types.StatusPending:
				paint = yellow
			}
			fmt.Printf("%s  %s  %s\n", u.Fingerprint[:12], paint(fmt.Sprintf("%-9s", u.Status)), u.Database)
			fmt.Printf("  %s\n", truncate(u.Template, 100))
			fmt.Printf("  %s\n", gray(fmt.Sprintf(
				"%d execs, avg %.3fs, max %.3fs, last seen %s",
				u.Stats.ExecCount, u.Stats.AvgDurationSecs, u.Stats.MaxDurationSecs,
				u.LastSeen.Local().Format("2006-01-02 15:04:05"))))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	unitsCmd.Flags().StringVar(&unitsStatus, "status", "", "filter by status (pending|success|error|abandoned|failed)")
	unitsCmd.Flags().StringVar(&unitsDatabase, "database", "", "filter by database name")
	unitsCmd.Flags().IntVar(&unitsLimit, "limit", 50, "maximum units to list (0 for all)")
	rootCmd.AddCommand(unitsCmd)
}
