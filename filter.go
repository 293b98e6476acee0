package arcfs

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are junk files left behind by operating systems, editors
// and build tools. They are matched against the base name only.
var DefaultExcludes = []string{
	// macOS
	".DS_Store", "._*", ".Spotlight-V100", ".Trashes", ".fseventsd",
	".VolumeIcon.icns", ".DocumentRevisions-V100", ".TemporaryItems",
	// Windows
	"thumbs.db", "Thumbs.db", "desktop.ini", "Desktop.ini", "ehthumbs.db",
	"ehthumbs_vista.db", "$RECYCLE.BIN", "System Volume Information",
	"hiberfil.sys", "pagefile.sys", "swapfile.sys",
	// Linux
	".directory", ".trash", ".Trash-*", ".nfs*",
	// development
	"__pycache__", "*.pyc", "*.pyo", "*.pyd", ".pytest_cache", ".coverage",
	".tox", "node_modules", ".npm", ".yarn", ".git", ".svn", ".hg", ".bzr",
	".gradle", ".maven", ".vscode", ".idea",
	// temporary and backup
	"*.tmp", "*.temp", "*.bak", "*.orig", "*~", ".#*", "#*#",
	"*.swp", "*.swo", ".*.sw?",
}

// SecretPatterns name files that commonly hold credentials. Redaction drops
// any member whose base name matches.
var SecretPatterns = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx",
	"id_rsa*", "id_dsa*", "id_ecdsa*", "id_ed25519*",
	"*.kdbx", ".netrc", ".pgpass", "credentials*", ".npmrc", ".pypirc",
	"*.jks", "*.keystore", "*secret*",
}

// secretSniffSize is how much of a file body is inspected for PEM keys
const secretSniffSize = 4096

var (
	pemBegin      = []byte("-----BEGIN ")
	pemPrivateKey = []byte("PRIVATE KEY-----")
)

// FilterRules select which members enter or leave an archive
type FilterRules struct {
	// Includes narrow the set of regular files. Empty means everything.
	// Directories are always traversed so nested matches are found.
	Includes []string

	// Excludes always win over Includes. Patterns without a slash match
	// the base name; patterns with one match the whole relative path.
	Excludes []string

	// UseDefaults enables DefaultExcludes
	UseDefaults bool

	// Redact drops secret-looking members and strips all identifying
	// metadata regardless of MetadataPolicy
	Redact bool
}

// DefaultFilterRules returns rules with the default excludes enabled
func DefaultFilterRules() FilterRules {
	return FilterRules{UseDefaults: true}
}

// MetadataPolicy decides which metadata survives into the archive
type MetadataPolicy struct {
	KeepXattrs           bool
	KeepOwnership        bool
	StripTimestamps      bool
	NormalizePermissions bool
}

// DefaultMetadataPolicy strips ownership and xattrs, keeps timestamps and
// normalizes permissions
func DefaultMetadataPolicy() MetadataPolicy {
	return MetadataPolicy{NormalizePermissions: true}
}

// Verdict is the outcome of evaluating one path
type Verdict uint8

const (
	VerdictKeep Verdict = iota
	VerdictSkip
	VerdictRedact
)

// Filter is a compiled rule set. It is safe for concurrent use.
type Filter struct {
	rules    FilterRules
	policy   MetadataPolicy
	includes []string
	excludes []string
	defaults []string
	secrets  []string
}

// NewFilter validates every pattern once and returns the compiled filter
func NewFilter(rules FilterRules, policy MetadataPolicy) (*Filter, error) {
	f := &Filter{rules: rules, policy: policy}

	var err error
	if f.includes, err = compilePatterns(rules.Includes); err != nil {
		return nil, err
	}
	if f.excludes, err = compilePatterns(rules.Excludes); err != nil {
		return nil, err
	}
	if rules.UseDefaults {
		f.defaults = DefaultExcludes
	}
	if rules.Redact {
		f.secrets = SecretPatterns
	}
	return f, nil
}

func compilePatterns(patterns []string) ([]string, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		if p == "" {
			return nil, &FilterConfigError{Pattern: p, Err: fmt.Errorf("empty pattern")}
		}
		p = strings.TrimPrefix(p, "./")
		if !doublestar.ValidatePattern(p) {
			return nil, &FilterConfigError{Pattern: p, Err: doublestar.ErrBadPattern}
		}
		out = append(out, p)
	}
	return out, nil
}

// Rules returns the rules the filter was built from
func (f *Filter) Rules() FilterRules { return f.rules }

// Policy returns the metadata policy
func (f *Filter) Policy() MetadataPolicy { return f.policy }

// Keep reports whether a member at the relative path survives filtering
func (f *Filter) Keep(rel string, isDir bool) bool {
	return f.Decide(rel, isDir) == VerdictKeep
}

// Decide evaluates rel against the rules. Excludes and defaults prune
// directories as well as files; includes and secret patterns only apply to
// non-directories.
func (f *Filter) Decide(rel string, isDir bool) Verdict {
	if f == nil {
		return VerdictKeep
	}
	base := path.Base(rel)

	for _, p := range f.defaults {
		if matchName(p, base) {
			return VerdictSkip
		}
	}
	for _, p := range f.excludes {
		if matchPattern(p, rel, base) {
			return VerdictSkip
		}
	}
	if isDir {
		return VerdictKeep
	}
	if f.IsSecretName(rel) {
		return VerdictRedact
	}
	if len(f.includes) == 0 {
		return VerdictKeep
	}
	for _, p := range f.includes {
		if matchPattern(p, rel, base) {
			return VerdictKeep
		}
	}
	return VerdictSkip
}

// KeepTree is Keep for archive members, which arrive without a directory
// walk: a member also leaves when any of its parent directories is pruned.
func (f *Filter) KeepTree(rel string, isDir bool) bool {
	if f == nil {
		return true
	}
	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && f.Decide(rel[:i], true) != VerdictKeep {
			return false
		}
	}
	return f.Keep(rel, isDir)
}

// IsSecretName reports whether redaction drops rel by name
func (f *Filter) IsSecretName(rel string) bool {
	if f == nil || !f.rules.Redact {
		return false
	}
	base := path.Base(rel)
	for _, p := range f.secrets {
		if matchName(strings.ToLower(p), strings.ToLower(base)) {
			return true
		}
	}
	return false
}

// IsSecretContent reports whether the start of a file body holds a PEM
// private key. Only consulted when redacting.
func (f *Filter) IsSecretContent(head []byte) bool {
	if f == nil || !f.rules.Redact {
		return false
	}
	if len(head) > secretSniffSize {
		head = head[:secretSniffSize]
	}
	i := bytes.Index(head, pemBegin)
	if i < 0 {
		return false
	}
	line := head[i:]
	if j := bytes.IndexByte(line, '\n'); j >= 0 {
		line = line[:j]
	}
	return bytes.Contains(line, pemPrivateKey)
}

// RedactMetadata applies the metadata policy to a member. Redaction
// implies every strip.
func (f *Filter) RedactMetadata(m Member) Member {
	policy := DefaultMetadataPolicy()
	if f != nil {
		policy = f.policy
	}
	redact := f != nil && f.rules.Redact

	if redact || !policy.KeepOwnership {
		m.UID, m.GID = 0, 0
		m.Uname, m.Gname = "", ""
	}
	if redact || !policy.KeepXattrs {
		m.Xattrs = nil
	}
	if redact || policy.StripTimestamps {
		m.ModTime = time.Time{}
	}
	if policy.NormalizePermissions || redact {
		m.Mode = normalizeMode(m.Kind, m.Mode)
	}
	return m
}

func normalizeMode(kind MemberKind, mode fs.FileMode) fs.FileMode {
	switch kind {
	case MemberDir:
		return 0o755
	case MemberSymlink:
		return 0o777
	}
	if mode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func matchName(pattern, base string) bool {
	ok, _ := doublestar.Match(pattern, base)
	return ok
}

// matchPattern matches slash-free patterns against the base name and the
// rest against the whole path
func matchPattern(pattern, rel, base string) bool {
	if !strings.Contains(pattern, "/") {
		return matchName(pattern, base)
	}
	ok, _ := doublestar.Match(pattern, rel)
	return ok
}
