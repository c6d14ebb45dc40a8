package bp

import (
	"fmt"
	"regexp"
)

// ExcludeFilter decides whether a system path is excluded from an
// operation, either by exact path or by regular expression match.
type ExcludeFilter struct {
	paths    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExcludeFilter builds a filter from configured exclude paths and
// patterns. Paths are expanded before matching; patterns are compiled as-is
// and match anywhere in the path.
func NewExcludeFilter(paths, patterns []string) (*ExcludeFilter, error) {
	f := &ExcludeFilter{paths: make(map[string]struct{}, len(paths))}
	for _, p := range paths {
		f.paths[ExpandPath(p)] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling exclude pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Exclude adds an exact path to the filter.
func (f *ExcludeFilter) Exclude(path string) {
	f.paths[ExpandPath(path)] = struct{}{}
}

// Excluded reports whether the expanded system path is excluded.
func (f *ExcludeFilter) Excluded(systemPath string) bool {
	if _, ok := f.paths[systemPath]; ok {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(systemPath) {
			return true
		}
	}
	return false
}
