package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/psync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of psync.",
		Long: "Print the version of psync, as a git commit hash, and the version\n" +
			"of the backup protocol. The client and agent must speak the same\n" +
			"protocol version.",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "version:  %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "protocol: %s\n", version.ProtocolVersion)
		},
	}
}
