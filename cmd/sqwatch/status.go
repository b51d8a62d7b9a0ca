package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sqwatch/sqwatch/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon instances and unit counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== sqwatch status ==="))

		instances, err := store.ListInstances(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", yellow("Engine instances:"))
		if len(instances) == 0 {
			fmt.Printf("  %s\n", gray("none registered"))
		}
		for _, inst := range instances {
			icon, paint := "○", gray
			if inst.Status == "running" {
				icon, paint = "●", green
				if time.Since(inst.LastHeartbeat) > 2*time.Minute {
					icon, paint = "●", red
				}
			}
			fmt.Printf("  %s %s %s@%s pid %d (v%s, heartbeat %s ago)\n",
				paint(icon), paint(inst.Status), inst.InstanceID[:8], inst.Hostname,
				inst.PID, inst.Version,
				time.Since(inst.LastHeartbeat).Round(time.Second))
		}

		fmt.Printf("\n%s\n", yellow("Units by status:"))
		statuses := []types.UnitStatus{
			types.StatusPending, types.StatusSuccess, types.StatusError,
			types.StatusAbandoned, types.StatusFailed,
		}
		for _, st := range statuses {
			units, err := store.ListUnits(ctx, types.UnitFilter{Status: st})
			if err != nil {
				return err
			}
			paint := gray
			switch st {
			case types.StatusSuccess:
				paint = green
			case types.StatusError, types.StatusFailed:
				paint = red
			case types.StatusPending:
				paint = yellow
			}
			fmt.Printf("  %-10s %s\n", st, paint(fmt.Sprintf("%d", len(units))))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
