package filesystem

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// DefaultExcludes are hidden unless Config.DisableDefaultExcludes is set.
var DefaultExcludes = []string{
	".git",
	".svn",
	".hg",
	".DS_Store",
	"Thumbs.db",
	"*.pyc",
	"node_modules",
}

// filter hides paths by glob. Patterns without a separator match any
// single path segment; patterns with one match the whole path.
type filter struct {
	names []string
	paths []string
}

func newFilter(patterns []string) *filter {
	f := &filter{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			logging.Warn("ignoring invalid exclude pattern", logging.String("pattern", p))
			continue
		}
		if strings.Contains(p, "/") {
			f.paths = append(f.paths, strings.TrimPrefix(p, "/"))
		} else {
			f.names = append(f.names, p)
		}
	}
	return f
}

// excluded reports whether path or any of its ancestors is hidden.
func (f *filter) excluded(path string) bool {
	if len(f.names) > 0 {
		for _, seg := range vpath.Segments(path) {
			if f.matchName(seg) {
				return true
			}
		}
	}
	if len(f.paths) > 0 {
		rel := strings.TrimPrefix(vpath.AsFile(path), "/")
		for _, p := range f.paths {
			if ok, _ := doublestar.Match(p, rel); ok {
				return true
			}
		}
	}
	return false
}

func (f *filter) matchName(name string) bool {
	for _, p := range f.names {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
