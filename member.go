package arcfs

import (
	"io/fs"
	"strings"
	"time"
)

// MemberKind identifies what an archive member materializes as
type MemberKind uint8

const (
	MemberFile MemberKind = iota
	MemberDir
	MemberSymlink
)

func (k MemberKind) String() string {
	switch k {
	case MemberFile:
		return "file"
	case MemberDir:
		return "dir"
	case MemberSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Member is one logical archive entry. Path is slash separated, relative,
// and never contains "." or ".." segments once it has passed sanitizePath.
type Member struct {
	Path string
	Kind MemberKind

	// Size is the body length in bytes, 0 for directories, and -1 when the
	// format does not record it (raw compressed streams)
	Size int64

	// Mode holds permission bits. Zero means the archive did not record
	// them and the extractor picks a default.
	Mode fs.FileMode

	// ModTime is zero when unknown or stripped
	ModTime time.Time

	UID, GID     int
	Uname, Gname string

	// Xattrs is nil unless extended attributes were retained
	Xattrs map[string][]byte

	// LinkTarget is set for symlinks
	LinkTarget string
}

// IsDir reports whether the member is a directory
func (m Member) IsDir() bool { return m.Kind == MemberDir }

// sanitizePath normalizes an archive entry name to a relative slash path and
// rejects anything that could leave the extraction root: absolute paths,
// drive or UNC prefixes, and ".." segments anywhere in the name.
func sanitizePath(name string) (string, error) {
	p := strings.ReplaceAll(name, "\\", "/")
	if p == "" {
		return "", NewPathTraversalError(name, "")
	}
	if strings.HasPrefix(p, "/") || hasDrivePrefix(p) {
		return "", NewPathTraversalError(name, "")
	}

	parts := strings.Split(p, "/")
	clean := parts[:0]
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", NewPathTraversalError(name, "")
		}
		clean = append(clean, part)
	}
	if len(clean) == 0 {
		return "", nil
	}
	return strings.Join(clean, "/"), nil
}

func hasDrivePrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// stripComponents drops the first n segments of a sanitized path. ok is
// false when the path has n or fewer segments and must be skipped.
func stripComponents(p string, n int) (string, bool) {
	if n <= 0 {
		return p, p != ""
	}
	parts := strings.Split(p, "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

// linkEscapes reports whether a symlink stored at linkPath pointing to
// target would resolve outside the extraction root
func linkEscapes(linkPath, target string) bool {
	t := strings.ReplaceAll(target, "\\", "/")
	if strings.HasPrefix(t, "/") || hasDrivePrefix(t) {
		return true
	}

	depth := strings.Count(linkPath, "/")
	for _, part := range strings.Split(t, "/") {
		switch part {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}
