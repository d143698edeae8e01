//go:build !unix

package local

import "os"

// fingerprint falls back to the mtime and size derivation in models.NewStats.
func fingerprint(string, os.FileInfo) string {
	return ""
}
