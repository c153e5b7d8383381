package finder

import (
	"strings"

	"github.com/gobwas/glob"
)

type wildcard struct {
	id      int
	include bool
	pattern string
	glob    glob.Glob
}

// compileWildcard compiles the part of a rule that follows its attachment
// directory. Only `*` and `**` are special. Every other character, including
// the other glob metacharacters, matches itself.
func compileWildcard(id int, include bool, pattern string) (wildcard, error) {
	pattern = strings.TrimRight(pattern, "/")

	var sb strings.Builder
	for len(pattern) > 0 {
		star := strings.IndexByte(pattern, '*')
		if star < 0 {
			sb.WriteString(glob.QuoteMeta(pattern))
			break
		}
		sb.WriteString(glob.QuoteMeta(pattern[:star]))

		run := len(pattern[star:]) - len(strings.TrimLeft(pattern[star:], "*"))
		if run == 1 {
			sb.WriteString("*")
		} else {
			sb.WriteString("**")
		}
		pattern = pattern[star+run:]
	}

	g, err := glob.Compile(sb.String(), '/')
	if err != nil {
		return wildcard{}, err
	}
	return wildcard{id: id, include: include, pattern: sb.String(), glob: g}, nil
}

// matches returns whether the wildcard applies to `rest`, the path relative to
// the wildcard's attachment directory. A wildcard that matches a directory
// also applies to everything beneath it.
func (w wildcard) matches(rest string) bool {
	if w.glob.Match(rest) {
		return true
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' && w.glob.Match(rest[:i]) {
			return true
		}
	}
	return false
}

// scopedWildcard is a wildcard together with the path of the directory it's
// attached to.
type scopedWildcard struct {
	wildcard
	base string
}

// relativeTo returns the part of `rel` below the wildcard's attachment
// directory. It returns false for the attachment directory itself, and for
// paths outside of it.
func (w scopedWildcard) relativeTo(rel string) (string, bool) {
	if w.base == "" {
		return rel, rel != ""
	}
	if !strings.HasPrefix(rel, w.base+"/") {
		return "", false
	}
	return rel[len(w.base)+1:], true
}
