package backup

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/psync/cmd/util"
	"github.com/sidkik/psync/pkg/config"
	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/finder"
	"github.com/sidkik/psync/pkg/fswatch"
	"github.com/sidkik/psync/pkg/sync"
	"github.com/sidkik/psync/pkg/sync/client"
)

// Mocked out for unit testing.
var spawnAgent = client.Spawn

type flags struct {
	configPath   string
	filterFile   string
	command      string
	root         string
	dryRun       bool
	fastCompare  bool
	watch        bool
	pollInterval time.Duration
}

// New creates a new `backup` command.
func New() *cobra.Command {
	var f flags
	cobraCmd := &cobra.Command{
		Use:   "backup -f <filter-file> -c <agent-command>",
		Short: "Back up the files selected by a filter file",
		Long: "Back up the files below the root that are selected by the filter file.\n" +
			"The agent command is run with `sh -c`, and must start `psync agent`\n" +
			"on the machine that stores the backup, e.g.\n\n" +
			"    psync backup -f rules -c 'ssh backup-host psync agent /srv/backup /srv/backup.db'",
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			backupConfig, err := f.toConfig(cmd.Flags().Changed)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(backupConfig); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().StringVar(&f.configPath, "config", "",
		"The path to a YAML backup config. Flags override its values.")
	cobraCmd.Flags().StringVarP(&f.filterFile, "filter", "f", "",
		"The path to the file of include and exclude rules.")
	cobraCmd.Flags().StringVarP(&f.command, "command", "c", "",
		"The command that starts the agent.")
	cobraCmd.Flags().StringVar(&f.root, "root", config.DefaultRoot,
		"The directory to back up.")
	cobraCmd.Flags().BoolVar(&f.dryRun, "dry-run", false,
		"Print the changes that would be made without making them.")
	cobraCmd.Flags().BoolVar(&f.fastCompare, "fast-compare", false,
		"Treat files with an unchanged size and modification time as unchanged "+
			"without hashing them.")
	cobraCmd.Flags().BoolVar(&f.watch, "watch", false,
		"Keep running, and back up again whenever the selected files change.")
	cobraCmd.Flags().DurationVar(&f.pollInterval, "poll-interval", config.DefaultPollInterval,
		"How often to back up when watching, even if no changes were noticed.")
	return cobraCmd
}

// toConfig merges the flags into the config file, if there is one. Only flags
// that were explicitly set override the file.
func (f flags) toConfig(changed func(string) bool) (config.Backup, error) {
	backupConfig := config.DefaultBackup()
	if f.configPath != "" {
		var err error
		backupConfig, err = config.ParseBackup(f.configPath)
		if err != nil {
			return config.Backup{}, errors.WithContext(err, "parse backup config")
		}
		log.WithField("path", backupConfig.GetPath()).Debug("Loaded backup config")
	}

	if changed("filter") {
		backupConfig.FilterFile = f.filterFile
	}
	if changed("command") {
		backupConfig.Command = f.command
	}
	if changed("root") {
		backupConfig.Root = f.root
	}
	if changed("dry-run") {
		backupConfig.DryRun = f.dryRun
	}
	if changed("fast-compare") {
		backupConfig.FastCompare = f.fastCompare
	}
	if changed("watch") {
		backupConfig.Watch = f.watch
	}
	if changed("poll-interval") {
		if f.pollInterval <= 0 {
			return config.Backup{}, errors.NewFriendlyError(
				"The poll interval must be positive, but got %s.", f.pollInterval)
		}
		backupConfig.SetPollInterval(f.pollInterval)
	}

	if backupConfig.FilterFile == "" {
		return config.Backup{}, errors.NewFriendlyError(
			"A filter file is required. Set it with `-f` or the filterFile field.")
	}
	if backupConfig.Command == "" {
		return config.Backup{}, errors.NewFriendlyError(
			"An agent command is required. Set it with `-c` or the command field.")
	}
	return backupConfig, nil
}

func run(backupConfig config.Backup) error {
	rules, err := config.ParseFilter(backupConfig.FilterFile)
	if err != nil {
		return errors.WithContext(err, "parse filter")
	}

	f, err := finder.FromRules(rules)
	if err != nil {
		return errors.WithContext(err, "compile filter")
	}

	backupOnce := func() error {
		return backup(backupConfig, f)
	}
	if !backupConfig.Watch {
		return backupOnce()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var trigger <-chan struct{}
	watcher, err := fswatch.Watch(f, backupConfig.Root)
	if err != nil {
		log.WithError(err).Warnf("Failed to watch for file changes. "+
			"Falling back to backing up every %s.", backupConfig.GetPollInterval())
	} else {
		defer watcher.Close()
		trigger = watcher.Changes
	}

	sync.Watch(ctx, clockwork.NewRealClock(), trigger, backupConfig.GetPollInterval(), backupOnce)
	return nil
}

func backup(backupConfig config.Backup, f *finder.Finder) error {
	agent, err := spawnAgent(backupConfig.Command)
	if err != nil {
		return errors.WithContext(err, "start agent")
	}

	stats, err := sync.Syncer{
		Root:        backupConfig.Root,
		Client:      agent,
		Finder:      f,
		DryRun:      backupConfig.DryRun,
		FastCompare: backupConfig.FastCompare,
		Out:         os.Stdout,
	}.Run()

	// Closing waits for the agent to apply the commands, so its error is
	// only reported if the run itself succeeded.
	if closeErr := agent.Close(); closeErr != nil && err == nil {
		err = errors.WithContext(closeErr, "stop agent")
	}
	if err != nil {
		return err
	}

	if stats.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "Skipped %d paths that couldn't be read. "+
			"See the warnings above for details.\n", stats.Skipped)
	}
	log.WithField("stats", fmt.Sprintf("%+v", stats)).Debug("Finished backup")
	return nil
}
