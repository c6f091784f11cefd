package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/matjam/lucent/internal/ipc"
	"github.com/spf13/cobra"
)

func NewScreenshotCmd() *cobra.Command {
	var outFile string
	var output string
	var source string

	cmd := &cobra.Command{
		Use:   "screenshot",
		Short: "Capture one frame of an output as a PNG",
		Long: `Registers a capture task against the daemon and writes the retired
frame to a file. --source framebuffer captures the full presentation
framebuffer including borders; --source blending captures the composited
area before the blend-to-output step.`,
		Run: func(cmd *cobra.Command, args []string) {
			data, err := ipc.SendScreenshot(ipc.ScreenshotRequest{
				Output: output,
				Source: source,
			})
			if err != nil {
				log.Fatalf("Failed to capture screenshot: %v", err)
			}
			if err := os.WriteFile(outFile, data, 0644); err != nil {
				log.Fatalf("Failed to write %s: %v", outFile, err)
			}
			log.Infof("Wrote %d bytes to %s", len(data), outFile)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "lucent.png", "Output PNG file")
	cmd.Flags().StringVar(&output, "output", "", "Output name (default: first output)")
	cmd.Flags().StringVar(&source, "source", "framebuffer", "Capture source: framebuffer or blending")
	return cmd
}
