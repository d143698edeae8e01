// Package models contains the value types shared by the file system core
// and its backend adapters.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Stats is an immutable metadata snapshot of a file or directory. A changed
// entry always gets a new Stats value; fields are never edited after
// construction.
type Stats struct {
	isFile   bool
	modTime  time.Time
	size     int64
	hash     string
	realPath string
}

// StatsOptions carries the fields used to build a Stats value.
type StatsOptions struct {
	IsFile  bool
	ModTime time.Time
	Size    int64
	// Hash is a backend fingerprint. Derived from mtime and size when empty.
	Hash string
	// RealPath is set only for symbolic links.
	RealPath string
}

// NewStats builds an immutable Stats value.
func NewStats(opts StatsOptions) *Stats {
	s := &Stats{
		isFile:   opts.IsFile,
		modTime:  opts.ModTime,
		size:     opts.Size,
		hash:     opts.Hash,
		realPath: opts.RealPath,
	}
	if !s.isFile {
		s.size = 0
		if s.realPath != "" && !strings.HasSuffix(s.realPath, "/") {
			s.realPath += "/"
		}
	}
	if s.hash == "" {
		s.hash = fmt.Sprintf("%d:%d", s.modTime.UnixNano(), s.size)
	}
	return s
}

// IsFile reports whether the entry is a file.
func (s *Stats) IsFile() bool { return s.isFile }

// IsDirectory reports whether the entry is a directory.
func (s *Stats) IsDirectory() bool { return !s.isFile }

// ModTime returns the modification time.
func (s *Stats) ModTime() time.Time { return s.modTime }

// Size returns the file size. Always zero for directories.
func (s *Stats) Size() int64 { return s.size }

// Hash returns the backend change-detection fingerprint. It is only
// meaningful for equality comparison.
func (s *Stats) Hash() string { return s.hash }

// RealPath returns the link target for symbolic links, or "".
func (s *Stats) RealPath() string { return s.realPath }

// Equal reports whether two snapshots describe the same state.
func (s *Stats) Equal(other *Stats) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.isFile == other.isFile && s.hash == other.hash
}

func (s *Stats) String() string {
	kind := "dir"
	if s.isFile {
		kind = "file"
	}
	return fmt.Sprintf("%s size=%d mtime=%s hash=%s", kind, s.size, s.modTime.Format(time.RFC3339Nano), s.hash)
}
