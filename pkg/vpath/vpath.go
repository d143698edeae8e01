// Package vpath provides helpers for the normalized, slash-separated paths
// used throughout the file system core.
//
// A normalized path is absolute. Directory paths end in a single "/", file
// paths never do. The root directory is "/".
package vpath

import (
	"path"
	"strings"
)

// Normalize cleans p, makes it absolute, and keeps a trailing separator
// only when p had one.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	dir := strings.HasSuffix(p, "/")
	p = path.Clean("/" + p)
	if dir && p != "/" {
		p += "/"
	}
	return p
}

// AsDir normalizes p as a directory path.
func AsDir(p string) string {
	p = Normalize(p)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// AsFile normalizes p as a file path. The root stays "/".
func AsFile(p string) string {
	return Strip(Normalize(p))
}

// Strip removes the trailing separator of a directory path, keeping "/".
func Strip(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

// IsDir reports whether p is written as a directory path.
func IsDir(p string) bool {
	return strings.HasSuffix(p, "/")
}

// Name returns the last segment of p, without separators.
func Name(p string) string {
	p = Strip(p)
	if p == "/" {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Parent returns the directory path containing p, or "" for the root.
func Parent(p string) string {
	p = Strip(p)
	if p == "/" {
		return ""
	}
	i := strings.LastIndex(p, "/")
	return p[:i+1]
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	parentPath = Strip(parentPath)
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Segments splits p into its path segments. The root has none.
func Segments(p string) []string {
	p = strings.Trim(Strip(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Contains reports whether p is root itself or lies beneath it. Trailing
// separators are ignored.
func Contains(root, p string) bool {
	root, p = Strip(root), Strip(p)
	if root == "/" || root == p {
		return true
	}
	return strings.HasPrefix(p, root+"/")
}

// Rel returns p relative to root as a rooted path ("/" for root itself).
// ok is false when p is outside root.
func Rel(root, p string) (string, bool) {
	if !Contains(root, p) {
		return "", false
	}
	root, p = Strip(root), Strip(p)
	if root == "/" {
		return p, true
	}
	rel := strings.TrimPrefix(p, root)
	if rel == "" {
		return "/", true
	}
	return rel, true
}

// Join joins a rooted relative path onto root.
func Join(root, rel string) string {
	root, rel = Strip(root), Strip(rel)
	if rel == "/" || rel == "" {
		return root
	}
	if root == "/" {
		return rel
	}
	return root + rel
}

// Rebase moves p from under oldRoot to under newRoot. ok is false when p
// is not beneath oldRoot. A trailing separator on p is preserved.
func Rebase(p, oldRoot, newRoot string) (string, bool) {
	rel, ok := Rel(oldRoot, p)
	if !ok {
		return "", false
	}
	out := Join(newRoot, rel)
	if IsDir(p) && out != "/" {
		out += "/"
	}
	return out, true
}
