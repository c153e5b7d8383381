package agent

import (
	"io"
	"os"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/psync/cmd/util"
	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/filedb"
	"github.com/sidkik/psync/pkg/sync/server"
)

type options struct {
	allowDelete      bool
	compactThreshold int
}

// New creates a new `agent` command.
func New() *cobra.Command {
	var opts options
	cobraCmd := &cobra.Command{
		Use:   "agent <root> <db-path>",
		Short: "Apply a backup to a directory",
		Long: "Apply the commands read from stdin to the backup stored in <root>,\n" +
			"recording the backed up tree in the database at <db-path>.\n\n" +
			"The agent is started by `psync backup`, usually over ssh. Its stdin and\n" +
			"stdout carry the backup stream, so it only logs to stderr.",
		Args: cobra.ExactArgs(2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args[0], args[1], opts, os.Stdin, os.Stdout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().BoolVar(&opts.allowDelete, "allow-delete", false,
		"Allow replacing an object of a different type, whether it's on disk or only\n"+
			"recorded in the database.")
	cobraCmd.Flags().IntVar(&opts.compactThreshold, "compact-threshold",
		filedb.DefaultCompactThreshold,
		"The number of superseded database records that triggers a rewrite.")
	return cobraCmd
}

func run(root, dbPath string, opts options, in io.Reader, out io.Writer) error {
	if opts.compactThreshold < 1 {
		return errors.NewFriendlyError(
			"The compact threshold must be at least 1, but got %d.", opts.compactThreshold)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.WithContext(err, "create root")
	}

	// The database has a single writer, so concurrent backups to the same
	// destination must wait for each other.
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return errors.WithContext(err, "lock database")
	}
	if !locked {
		return errors.NewFriendlyError(
			"Another agent is already using the database at %q.\n"+
				"Wait for the other backup to finish, and try again.", dbPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("Failed to unlock database")
		}
	}()

	db, err := filedb.Open(dbPath, filedb.WithCompactThreshold(opts.compactThreshold))
	if err != nil {
		return errors.WithContext(err, "open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}()

	log.WithFields(log.Fields{
		"root":     root,
		"database": dbPath,
		"entries":  db.Count(),
	}).Debug("Starting agent")
	if err := server.New(in, out, root, db, opts.allowDelete).Serve(); err != nil {
		return errors.WithContext(err, "serve")
	}
	return nil
}
