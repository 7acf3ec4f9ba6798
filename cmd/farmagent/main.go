package main

import (
	"os"

	"github.com/emufarm/FarmAgent/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "farmagent",
	Short: "Account chore scheduler for emulated game devices",
	Long: `farmagent drives a fleet of emulated devices through the recurring chores of
the accounts assigned to them: it scans account task configs for due work,
batches it per account, and executes batches on exclusive device slots with
stale-session watchdogs and priority preemption. Game-specific chore units
are registered by feature packages; the binary ships only the health probe.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(
		newRunCmd(),
		newScanCmd(),
		newSeedCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("farmagent command failed")
	}
}
