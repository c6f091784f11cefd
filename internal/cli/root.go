/*
Copyright © 2025 Nathan Ollerenshaw <chrome@stupendous.net>
*/
package cli

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/matjam/lucent"
	"github.com/matjam/lucent/internal/cli/cmd"
	"github.com/matjam/lucent/internal/cli/cmd/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lucent",
	Short: "A color-managed compositor core",
	Long: `Lucent is a compositor core daemon: it repaints outputs from a scene
of attached surfaces with damage tracking, renderbuffer aging and
color-managed blending, over an OpenGL or software renderer.`,
	Run: func(c *cobra.Command, args []string) {
		if v, err := c.Flags().GetBool("show-config"); err == nil && v {
			log.Infof("Using config file: %v", viper.ConfigFileUsed())
			log.Infof("All settings:")
			utils.PrintJSONColored(viper.AllSettings())
			return
		}

		if v, err := c.Flags().GetBool("installconfig"); err == nil && v {
			utils.InstallDefaultConfig()
			return
		}

		babyBlue := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
		yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
		green := lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
		if v, err := c.Flags().GetBool("version"); err == nil && v {
			log.Infof("%v version %v © 2025 %v",
				babyBlue.Render("lucent"),
				green.Render(strings.Trim(lucent.Version, "\n\r ")),
				yellow.Render("Nathan Ollerenshaw"))
			return
		}

		// Bare invocation runs the compositor in the foreground, same as
		// `lucent start`.
		cmd.StartCompositor(c)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(InitConfig)
	RegisterFlags(rootCmd)

	rootCmd.AddCommand(cmd.NewStartCmd())
	rootCmd.AddCommand(cmd.NewStopCmd())
	rootCmd.AddCommand(cmd.NewStatusCmd())
	rootCmd.AddCommand(cmd.NewScreenshotCmd())
	rootCmd.AddCommand(cmd.NewClockCmd())
	rootCmd.AddCommand(cmd.NewDamageCmd())
	rootCmd.AddCommand(cmd.NewGenManCmd(rootCmd))
}
