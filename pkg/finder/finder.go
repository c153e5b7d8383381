// Package finder selects the files that make up a backup. Selection is driven
// by an ordered list of include and exclude rules, rsync filter style: when
// several rules apply to a path, the one declared last wins, and a path that
// no rule applies to is excluded.
package finder

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/psync/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// noRule is lower than any real rule id.
const noRule = -1

// Rule is a single include or exclude directive. Patterns are slash-separated
// paths relative to the walk root. A pattern containing `*` is a wildcard:
// `*` matches within a single path segment, and `**` matches across segments.
type Rule struct {
	Include bool
	Pattern string
}

func (r Rule) String() string {
	if r.Include {
		return "+ " + r.Pattern
	}
	return "- " + r.Pattern
}

// ParseRules reads rules in the filter file format: one `+ <pattern>` or
// `- <pattern>` per line. Other lines are ignored.
func ParseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "+ "):
			rules = append(rules, Rule{Include: true, Pattern: line[2:]})
		case strings.HasPrefix(line, "- "):
			rules = append(rules, Rule{Include: false, Pattern: line[2:]})
		}
	}
	return rules, scanner.Err()
}

// ruleNode mirrors one directory in the filesystem tree. Nodes only exist for
// paths that some rule names.
type ruleNode struct {
	include, exclude int
	wildcards        []wildcard
	children         map[string]*ruleNode
}

func newRuleNode() *ruleNode {
	return &ruleNode{include: noRule, exclude: noRule}
}

func (n *ruleNode) child(name string) *ruleNode {
	if n == nil {
		return nil
	}
	return n.children[name]
}

func (n *ruleNode) sortedChildren() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finder holds the rule tree. It isn't modified by walks, so a Finder may be
// walked any number of times once its rules are added.
type Finder struct {
	root   *ruleNode
	nextID int
}

// New returns a Finder with no rules. Walking it selects nothing.
func New() *Finder {
	return &Finder{root: newRuleNode()}
}

// FromRules returns a Finder with the given rules added in order.
func FromRules(rules []Rule) (*Finder, error) {
	f := New()
	for _, rule := range rules {
		if err := f.Add(rule); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Add registers a rule. It takes precedence over every rule added before it.
func (f *Finder) Add(rule Rule) error {
	if strings.TrimSpace(rule.Pattern) == "" {
		return errors.New("rule %q has an empty pattern", rule.String())
	}

	id := f.nextID
	wildcardStart := strings.IndexByte(rule.Pattern, '*')
	if wildcardStart < 0 {
		n := f.node(rule.Pattern)
		if rule.Include {
			n.include = id
		} else {
			n.exclude = id
		}
		f.nextID++
		return nil
	}

	split := strings.LastIndexByte(rule.Pattern[:wildcardStart], '/') + 1
	w, err := compileWildcard(id, rule.Include, rule.Pattern[split:])
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("compile %q", rule.String()))
	}

	n := f.node(rule.Pattern[:split])
	n.wildcards = append(n.wildcards, w)
	f.nextID++
	return nil
}

// node returns the rule node for `p`, creating it and its ancestors if
// necessary.
func (f *Finder) node(p string) *ruleNode {
	n := f.root
	for _, name := range strings.Split(canonicalize(p), "/") {
		if name == "" {
			continue
		}
		if n.children == nil {
			n.children = map[string]*ruleNode{}
		}
		c, ok := n.children[name]
		if !ok {
			c = newRuleNode()
			n.children[name] = c
		}
		n = c
	}
	return n
}

// canonicalize converts a rule path into a clean path relative to the walk
// root. The walk root itself is the empty string.
func canonicalize(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
