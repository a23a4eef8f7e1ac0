package icloudsync

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RootPath is the distinguished path denoting the root folder (spec.md §3).
const RootPath = "."

// NormalizePath converts an OS-native relative path into the engine's
// canonical form: forward-slash separated, cleaned, and Unicode
// NFC-normalized component by component so that names which differ only in
// normalization form (as can happen between a local filesystem and a remote
// drive) compare equal as map keys.
func NormalizePath(p string) string {
	p = filepathToSlash(p)
	p = path.Clean(p)

	if p == "" || p == "/" {
		return RootPath
	}

	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return RootPath
	}

	return norm.NFC.String(p)
}

// filepathToSlash replaces every backslash with '/', on every platform, so
// a Windows-style separator is normalized the same way everywhere.
func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// ParentPath returns the normalized parent of p, or RootPath if p is
// already the root or a direct child of the root.
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == RootPath {
		return RootPath
	}

	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return RootPath
	}

	return dir
}

// BaseName returns the final path component of p.
func BaseName(p string) string {
	if p == RootPath {
		return RootPath
	}

	return path.Base(NormalizePath(p))
}

// JoinPath joins a parent path and a child name into a normalized path.
func JoinPath(parent, name string) string {
	if parent == RootPath || parent == "" {
		return NormalizePath(name)
	}

	return NormalizePath(parent + "/" + name)
}

// IsDescendant reports whether p is equal to ancestor or is nested under it.
func IsDescendant(p, ancestor string) bool {
	if ancestor == RootPath {
		return true
	}

	if p == ancestor {
		return true
	}

	return strings.HasPrefix(p, ancestor+"/")
}

// RelocatePrefix rewrites p, which must equal oldPrefix or descend from it,
// so that the oldPrefix portion is replaced by newPrefix. Used by
// PathMap.ReKey (spec.md §4.1).
func RelocatePrefix(p, oldPrefix, newPrefix string) string {
	if p == oldPrefix {
		return newPrefix
	}

	rel := strings.TrimPrefix(p, oldPrefix+"/")

	return JoinPath(newPrefix, rel)
}
