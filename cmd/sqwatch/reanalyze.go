package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze <fingerprint>",
	Short: "Re-run the full analysis chain for one unit",
	Long: `Run the complete analysis chain (triage, deep reasoning, remediation)
for a unit regardless of the escalation thresholds, and print the fresh
report. Requires the monitored database and the Anthropic API to be
reachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stack, err := buildAnalysisStack()
		if err != nil {
			return err
		}
		defer stack.Close()

		fmt.Printf("Reanalyzing %s...\n", args[0])
		res, err := stack.orch.Run(ctx, args[0], true)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}

		unit, err := store.GetUnit(ctx, args[0])
		if err != nil {
			return err
		}
		decision, err := stack.notifier.ProcessCompletion(ctx, unit)
		if err != nil {
			logger.WithError(err).Warn("notification processing failed")
		} else if decision.Notify {
			fmt.Printf("notification sent: %s\n", decision.Reason)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("\n%s\n\n%s\n", cyan("=== Report ==="), res.Report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reanalyzeCmd)
}
