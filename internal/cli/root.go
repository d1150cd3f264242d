package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates a new root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qapilot",
		Short: "qapilot runs natural-language UI tests against a web application",
		Long: `qapilot boots a web application from its repository in an isolated
environment and drives it with a vision-guided agent, one test flow at a
time, recording every step.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				_ = os.Setenv("QAPILOT_LOG", "DEBUG")
			}
			InitLogging()
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("config", "", "Config file (default $XDG_CONFIG_HOME/qapilot/config.yaml)")
	cmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading QAPILOT_* variables")

	cmd.AddCommand(
		NewRunCmd(),
		NewSubmitCmd(),
		NewGetCmd(),
		NewListCmd(),
		NewFlowsCmd(),
		NewMigrateCmd(),
		NewDoctorCmd(),
		NewSecretsCmd(),
		NewVersionCmd(),
	)

	return cmd
}
