package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	showSamples int
	showEvents  bool
)

var showCmd = &cobra.Command{
	Use:   "show <fingerprint>",
	Short: "Show one unit's report, samples, and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		unit, err := store.GetUnit(ctx, args[0])
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s %s\n", cyan("Unit"), unit.Fingerprint)
		fmt.Printf("%s %s\n", yellow("Database:"), unit.Database)
		fmt.Printf("%s %s\n", yellow("Status:  "), unit.Status)
		fmt.Printf("%s %s\n", yellow("Template:"), unit.Template)
		fmt.Printf("%s %d execs, avg %.3fs, max %.3fs, avg lock %.3fs, %.0f rows examined per exec\n",
			yellow("Stats:   "),
			unit.Stats.ExecCount, unit.Stats.AvgDurationSecs, unit.Stats.MaxDurationSecs,
			unit.Stats.AvgLockTimeSecs, unit.Stats.AvgRowsExamined)
		fmt.Printf("%s %s  %s %s\n",
			yellow("First:   "), unit.FirstSeen.Local().Format("2006-01-02 15:04:05"),
			yellow("Last:"), unit.LastSeen.Local().Format("2006-01-02 15:04:05"))
		if unit.RetryCount > 0 {
			fmt.Printf("%s %d\n", yellow("Retries: "), unit.RetryCount)
		}
		if unit.LastNotifiedAt != nil {
			fmt.Printf("%s %s (avg %.3fs at the time)\n",
				yellow("Notified:"), unit.LastNotifiedAt.Local().Format("2006-01-02 15:04:05"),
				unit.LastNotifiedAvgDuration)
		}

		if unit.Report != "" {
			fmt.Printf("\n%s\n\n%s\n", cyan("=== Report ==="), unit.Report)
		}

		if showSamples > 0 {
			samples, err := store.GetSamples(ctx, unit.Fingerprint, showSamples)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", cyan("=== Recent samples ==="))
			for _, s := range samples {
				fmt.Printf("%s  %.3fs (lock %.3fs, %d sent / %d examined)\n",
					gray(s.CapturedAt.Local().Format("2006-01-02 15:04:05")),
					s.DurationSecs, s.LockTimeSecs, s.RowsSent, s.RowsExamined)
			}
		}

		if showEvents {
			events, err := store.GetUnitEvents(ctx, unit.Fingerprint, 20)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s\n", cyan("=== History ==="))
			for _, e := range events {
				line := fmt.Sprintf("%s  %s -> %s (%s)",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.OldStatus, e.NewStatus, e.Actor)
				if e.Note != "" {
					line += ": " + e.Note
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().IntVar(&showSamples, "samples", 5, "recent samples to display (0 to hide)")
	showCmd.Flags().BoolVar(&showEvents, "history", false, "show the status transition history")
	rootCmd.AddCommand(showCmd)
}
