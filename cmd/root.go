package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/psync/cmd/agent"
	"github.com/sidkik/psync/cmd/backup"
	"github.com/sidkik/psync/cmd/util"
	"github.com/sidkik/psync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "PSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	// Logs always go to stderr. The agent's stdout carries the backup
	// stream, and the client's stdout carries the list of changes.
	log.SetOutput(os.Stderr)

	rootCmd := &cobra.Command{
		Use:          "psync",
		Short:        "Incremental backups over a pipe",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		agent.New(),
		backup.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
