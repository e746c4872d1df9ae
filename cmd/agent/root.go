package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "callbridge-agent",
		Short:        "Headless support agent for the callbridge relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
	}
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func setupLogging(cmd *cobra.Command) error {
	raw, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return err
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(level)
	return nil
}
