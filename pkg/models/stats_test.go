package models

import (
	"testing"
	"time"
)

func TestNewStats(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		opts         StatsOptions
		wantFile     bool
		wantSize     int64
		wantRealPath string
	}{
		{
			name:     "file",
			opts:     StatsOptions{IsFile: true, ModTime: mtime, Size: 5},
			wantFile: true,
			wantSize: 5,
		},
		{
			name:     "directory drops size",
			opts:     StatsOptions{ModTime: mtime, Size: 4096},
			wantSize: 0,
		},
		{
			name:         "directory link gets trailing separator",
			opts:         StatsOptions{ModTime: mtime, RealPath: "/real/dir"},
			wantRealPath: "/real/dir/",
		},
		{
			name:         "file link keeps real path",
			opts:         StatsOptions{IsFile: true, ModTime: mtime, RealPath: "/real/file.txt"},
			wantFile:     true,
			wantRealPath: "/real/file.txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStats(tt.opts)
			if s.IsFile() != tt.wantFile || s.IsDirectory() == tt.wantFile {
				t.Errorf("kind: IsFile=%v IsDirectory=%v", s.IsFile(), s.IsDirectory())
			}
			if s.Size() != tt.wantSize {
				t.Errorf("Size = %d, want %d", s.Size(), tt.wantSize)
			}
			if s.RealPath() != tt.wantRealPath {
				t.Errorf("RealPath = %q, want %q", s.RealPath(), tt.wantRealPath)
			}
			if !s.ModTime().Equal(mtime) {
				t.Errorf("ModTime = %v", s.ModTime())
			}
			if s.Hash() == "" {
				t.Error("Hash should be derived when not supplied")
			}
		})
	}
}

func TestStatsEqual(t *testing.T) {
	mtime := time.Now()
	a := NewStats(StatsOptions{IsFile: true, ModTime: mtime, Size: 3})
	b := NewStats(StatsOptions{IsFile: true, ModTime: mtime, Size: 3})
	c := NewStats(StatsOptions{IsFile: true, ModTime: mtime, Size: 4})
	d := NewStats(StatsOptions{IsFile: true, ModTime: mtime, Hash: "etag-1"})
	e := NewStats(StatsOptions{IsFile: true, ModTime: mtime.Add(time.Hour), Hash: "etag-1"})

	if !a.Equal(b) {
		t.Error("same mtime and size should be equal")
	}
	if a.Equal(c) {
		t.Error("different size should not be equal")
	}
	if !d.Equal(e) {
		t.Error("explicit hash decides equality")
	}
	if a.Equal(nil) {
		t.Error("nil is never equal to a value")
	}
	var n *Stats
	if !n.Equal(nil) {
		t.Error("nil equals nil")
	}
}

func TestEventKindString(t *testing.T) {
	if EventRenamed.String() != "renamed" || EventKind(99).String() != "unknown" {
		t.Error("unexpected EventKind strings")
	}
}
