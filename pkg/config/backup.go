package config

import (
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/psync/pkg/errors"
)

// Mocked out for unit testing.
var homedirExpand = homedir.Expand

// Backup configures a `psync backup` run. Every field can also be set by a
// command line flag, which takes precedence.
type Backup struct {
	Version string `json:"version,omitempty"`

	// FilterFile is the path to the include and exclude rules.
	FilterFile string `json:"filterFile,omitempty"`

	// Command is run with `sh -c` to start the agent. The agent's stdin and
	// stdout carry the protocol.
	Command string `json:"command,omitempty"`

	Root         string `json:"root,omitempty"`
	DryRun       bool   `json:"dryRun,omitempty"`
	FastCompare  bool   `json:"fastCompare,omitempty"`
	Watch        bool   `json:"watch,omitempty"`
	PollInterval string `json:"pollInterval,omitempty"`

	// Only populated and consumed by psync. Never set by user.
	path         string
	pollInterval time.Duration
}

// GetPath returns the filepath that the config was parsed from.
func (c Backup) GetPath() string {
	return c.path
}

// GetPollInterval returns how often a watching backup reruns when nothing
// changed.
func (c Backup) GetPollInterval() time.Duration {
	if c.pollInterval == 0 {
		return DefaultPollInterval
	}
	return c.pollInterval
}

func (c Backup) getVersion() string {
	return c.Version
}

// InitialBackupConfigVersion is the version assumed for config files that
// don't specify one.
const InitialBackupConfigVersion = "v1alpha1"

// SupportedBackupConfigVersion is the config version understood by this
// binary.
const SupportedBackupConfigVersion = "v1alpha1"

// DefaultRoot is the directory backed up when no root is configured.
const DefaultRoot = "/"

// DefaultPollInterval is the rerun period of `psync backup --watch`.
const DefaultPollInterval = 10 * time.Minute

// DefaultBackup returns the configuration used when no config file is given.
func DefaultBackup() Backup {
	return Backup{
		Version: SupportedBackupConfigVersion,
		Root:    DefaultRoot,
	}
}

// ParseBackup parses the backup config at `path`.
func ParseBackup(path string) (Backup, error) {
	config := DefaultBackup()
	config.Version = InitialBackupConfigVersion
	config.path = path
	if err := parseConfig(path, &config, SupportedBackupConfigVersion); err != nil {
		return Backup{}, errors.WithContext(err, "parse")
	}

	if config.PollInterval != "" {
		interval, err := time.ParseDuration(config.PollInterval)
		if err != nil || interval <= 0 {
			return Backup{}, errors.NewFriendlyError(
				"The pollInterval %q in %q is not a positive duration.\n"+
					"Durations look like \"30s\" or \"10m\".",
				config.PollInterval, path)
		}
		config.pollInterval = interval
	}

	var err error
	if config.FilterFile, err = expandPath(config.FilterFile); err != nil {
		return Backup{}, errors.WithContext(err, "expand filterFile")
	}
	if config.Root, err = expandPath(config.Root); err != nil {
		return Backup{}, errors.WithContext(err, "expand root")
	}
	return config, nil
}

// SetPollInterval overrides the configured poll interval.
func (c *Backup) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
	c.PollInterval = interval.String()
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}
