package bp

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath expands environment variables in path and makes it absolute
// relative to the current directory.
func ExpandPath(path string) string {
	expanded := os.ExpandEnv(path)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return filepath.Clean(expanded)
	}
	return abs
}

// SanitizePath normalizes a user-supplied path. Paths containing
// environment variables are kept unexpanded so they can be stored in
// configuration and resolved at use time; plain paths are made absolute.
func SanitizePath(path string) string {
	if os.ExpandEnv(path) != path {
		return filepath.Clean(path)
	}
	return ExpandPath(path)
}

// ArchivePathFor maps an absolute system path to its archive-relative
// path. Directory entries carry a trailing slash; the filesystem root maps
// to the empty path, which is the archive root.
func ArchivePathFor(systemPath string, isDir bool) string {
	p := strings.TrimPrefix(filepath.ToSlash(systemPath), "/")
	if p == "" {
		return ""
	}
	if isDir && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// isWithin reports whether child equals parent or lies underneath it.
// Both paths must be absolute and clean.
func isWithin(child, parent string) bool {
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return child == parent || strings.HasPrefix(child, parent+"/")
}
