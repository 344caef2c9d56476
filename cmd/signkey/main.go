package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/signkey/cmd/signkey/commands"
	"github.com/systmms/signkey/internal/config"
	dserrors "github.com/systmms/signkey/internal/errors"
	"github.com/systmms/signkey/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "signkey",
		Short: "Signing-key renewal and rotation for AWS Secrets Manager",
		Long: `signkey keeps a time-limited signing key in AWS Secrets Manager fresh.

It runs as the rotation function of a Secrets Manager secret, as a scheduled
standalone renewer, or from the command line.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("SIGNKEY_CONFIG"), "Config file path (default signkey.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewLambdaCommand(cfg),
		commands.NewHandleCommand(cfg),
		commands.NewRenewCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewDoctorCommand(cfg),
		commands.NewMetricsCommand(cfg),
	)

	return rootCmd.Execute()
}
