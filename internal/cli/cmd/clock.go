package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/matjam/lucent/internal/ipc"
	"github.com/spf13/cobra"
)

func NewClockCmd() *cobra.Command {
	clockCmd := &cobra.Command{
		Use:   "clock",
		Short: "Control the daemon's virtual clock",
	}

	var ms int
	advanceCmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance the fake clock",
		Long: `Advances the daemon's fake clock, firing every armed timer whose
trigger time is crossed. Fails when the daemon runs on the real clock.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := ipc.SendClockAdvance(ms); err != nil {
				log.Fatalf("Failed to advance clock: %v", err)
			}
			log.Infof("Advanced fake clock by %dms", ms)
		},
	}
	advanceCmd.Flags().IntVar(&ms, "ms", 16, "Milliseconds to advance")

	clockCmd.AddCommand(advanceCmd)
	return clockCmd
}
