package pipeline

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// Source selects the files fed into a pipeline.
type Source struct {
	// Base is the directory relative patterns are resolved against.
	Base string
	// Patterns are glob patterns (with ** support). Patterns starting with ! exclude matches.
	Patterns []string
}

// Match is a resolved source file.
type Match struct {
	Path string
	Base string
}

// SplitPattern returns the static directory of pattern (resolved against base) and the glob
// relative to it. base itself is never interpreted as a glob.
func SplitPattern(base, pattern string) (string, string) {
	if filepath.IsAbs(pattern) {
		dir, glob := doublestar.SplitPattern(filepath.ToSlash(filepath.Clean(pattern)))
		return filepath.FromSlash(dir), glob
	}

	dir, glob := doublestar.SplitPattern(path.Clean(filepath.ToSlash(pattern)))
	return filepath.Join(base, filepath.FromSlash(dir)), glob
}

// GlobBase returns the static directory of pattern resolved against base.
func GlobBase(base, pattern string) string {
	dir, _ := SplitPattern(base, pattern)
	return dir
}

// Resolve expands the patterns into the list of matching regular files. Files matched by several
// patterns are returned once, with the base of the first pattern that matched them.
func (s Source) Resolve() ([]Match, error) {
	var excludes []string
	for _, item := range s.Patterns {
		if strings.HasPrefix(item, "!") {
			excludes = append(excludes, item[1:])
		}
	}

	result := []Match{}
	seen := make(map[string]bool)
	for _, item := range s.Patterns {
		if strings.HasPrefix(item, "!") {
			continue
		}

		base, glob := SplitPattern(s.Base, item)
		if !doublestar.ValidatePattern(glob) {
			return nil, eris.Errorf("invalid pattern %s", item)
		}

		matches, err := doublestar.Glob(os.DirFS(base), glob, doublestar.WithFilesOnly())
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}
		sort.Strings(matches)

		for _, match := range matches {
			match = filepath.Join(base, filepath.FromSlash(match))
			if seen[match] || matchesPattern(s.Base, excludes, match) {
				continue
			}

			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}

			seen[match] = true
			result = append(result, Match{Path: match, Base: base})
		}
	}
	return result, nil
}

// matchPattern matches name against a single pattern. Relative patterns are matched against the
// path relative to base so that base never has to be escaped.
func matchPattern(base, pattern, name string) bool {
	if filepath.IsAbs(pattern) {
		ok, _ := doublestar.PathMatch(filepath.Clean(pattern), filepath.Clean(name))
		return ok
	}

	rel, err := filepath.Rel(base, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	ok, _ := doublestar.Match(path.Clean(filepath.ToSlash(pattern)), filepath.ToSlash(rel))
	return ok
}

func matchesPattern(base string, patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matchPattern(base, pattern, name) {
			return true
		}
	}
	return false
}

// MatchAny reports whether name matches one of the patterns (resolved against base). Negated
// patterns veto a match.
func MatchAny(base string, patterns []string, name string) bool {
	matched := false
	for _, pattern := range patterns {
		negate := strings.HasPrefix(pattern, "!")
		if negate {
			pattern = pattern[1:]
		}

		if !matchPattern(base, pattern, name) {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}

func readFile(m Match) (*File, error) {
	info, err := os.Stat(m.Path)
	if err != nil {
		return nil, fsError("stat", m.Path, err)
	}

	contents, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fsError("read", m.Path, err)
	}

	return &File{
		Base:     m.Base,
		Path:     m.Path,
		Contents: contents,
		Mode:     info.Mode().Perm(),
		ModTime:  info.ModTime(),
	}, nil
}
