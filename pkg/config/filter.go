package config

import (
	"bytes"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/errors"
	"github.com/sidkik/psync/pkg/finder"
)

// ParseFilter reads the rules in the filter file at `path`. Patterns that
// start with `~` are expanded to the user's home directory.
func ParseFilter(path string) ([]finder.Rule, error) {
	filterBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "read file")
	}

	rules, err := finder.ParseRules(bytes.NewReader(filterBytes))
	if err != nil {
		return nil, errors.WithContext(err, "parse rules")
	}

	if len(rules) == 0 {
		return nil, errors.NewFriendlyError(
			"The filter file %q doesn't contain any rules.\n"+
				"Rules are written one per line, as `+ <path>` to include "+
				"a path or `- <path>` to exclude it.", path)
	}

	for i, rule := range rules {
		if !strings.HasPrefix(rule.Pattern, "~") {
			continue
		}

		expanded, err := homedirExpand(rule.Pattern)
		if err != nil {
			return nil, errors.WithContext(err, "expand homedir")
		}
		rules[i].Pattern = expanded
	}
	return rules, nil
}
