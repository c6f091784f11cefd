package cmd

import (
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/matjam/lucent/internal/ipc"
	"github.com/spf13/cobra"
)

func NewDamageCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "damage [x y width height]",
		Short: "Inject damage and schedule a repaint",
		Long: `Adds a global-coordinate damage rectangle to an output and schedules
a repaint. Without arguments the whole output is damaged.`,
		Args: cobra.RangeArgs(0, 4),
		Run: func(cmd *cobra.Command, args []string) {
			req := ipc.DamageRequest{Output: output}
			if len(args) == 4 {
				vals := make([]int, 4)
				for i, a := range args {
					v, err := strconv.Atoi(a)
					if err != nil {
						log.Fatalf("Invalid damage rectangle %q: %v", a, err)
					}
					vals[i] = v
				}
				req.X, req.Y, req.Width, req.Height = vals[0], vals[1], vals[2], vals[3]
			}
			if err := ipc.SendDamage(req); err != nil {
				log.Fatalf("Failed to send damage: %v", err)
			}
			log.Info("Damage sent")
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Output name (default: first output)")
	return cmd
}
