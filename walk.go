package arcfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/absfs/absfs"
	"github.com/rs/zerolog"
)

// maxLinkDepth bounds how many symlinks are followed along one path
const maxLinkDepth = 40

// sourceRoot is one resolved compress source
type sourceRoot struct {
	src  string      // path in the source filesystem
	name string      // archive name; empty means "contents only"
	info fs.FileInfo // stat of src, links followed
}

// walkEntry is one candidate member produced by the walk
type walkEntry struct {
	src    string
	member Member
	redact bool
}

// resolveSources maps user supplied sources to filesystem paths and archive
// names. With a root, sources are relative to it and keep their relative
// path as their name. Without one, each source is named by its base name.
func resolveSources(fsys absfs.FileSystem, sources []string, root string) ([]sourceRoot, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	roots := make([]sourceRoot, 0, len(sources))
	for _, s := range sources {
		s = strings.ReplaceAll(s, "\\", "/")
		if s == "" {
			return nil, &ValidationError{Field: "sources", Message: "source path cannot be empty"}
		}

		var r sourceRoot
		if root != "" {
			r.src = s
			if !path.IsAbs(s) {
				r.src = path.Join(strings.ReplaceAll(root, "\\", "/"), s)
			}
			name, err := sanitizePath(strings.TrimPrefix(path.Clean(s), "/"))
			if err != nil {
				return nil, &ValidationError{Field: "sources", Value: s, Message: "source escapes the root"}
			}
			r.name = name
		} else {
			r.src = s
			base := path.Base(path.Clean(s))
			if base != "." && base != "/" && base != ".." {
				r.name = base
			}
		}

		info, err := fsys.Stat(r.src)
		if err != nil {
			return nil, NewIOError("stat", r.src, err)
		}
		r.info = info
		roots = append(roots, r)
	}
	return roots, nil
}

// walker performs the depth-first source walk. Children are visited in
// name order so the same tree always yields the same member order.
// Directories become members only when they are empty.
type walker struct {
	fsys               absfs.FileSystem
	filter             *Filter
	log                zerolog.Logger
	followSymlinks     bool
	allowSymlinkEscape bool

	skipped     int
	xattrWarned bool
}

func (w *walker) walk(ctx context.Context, roots []sourceRoot, emit func(walkEntry) error) error {
	for _, r := range roots {
		if err := w.visit(ctx, r.src, r.name, r.info, 0, emit); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visit(ctx context.Context, src, name string, info fs.FileInfo, linkDepth int, emit func(walkEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	verdict := VerdictKeep
	if name != "" {
		verdict = w.filter.Decide(name, info.IsDir())
		if verdict == VerdictSkip {
			w.skipped++
			w.log.Debug().Str("path", name).Msg("excluded")
			return nil
		}
	}

	mode := info.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		return w.visitLink(ctx, src, name, info, linkDepth, verdict, emit)

	case mode.IsDir():
		children, err := readDirNames(w.fsys, src)
		if err != nil {
			return NewIOError("readdir", src, err)
		}
		// parents are implied by member paths; only empty directories
		// need an entry of their own
		if name != "" && len(children) == 0 {
			m := w.member(src, name, info, MemberDir)
			return emit(walkEntry{src: src, member: m})
		}
		for _, c := range children {
			childSrc := path.Join(src, c)
			childName := c
			if name != "" {
				childName = name + "/" + c
			}
			ci, err := lstat(w.fsys, childSrc)
			if err != nil {
				return NewIOError("stat", childSrc, err)
			}
			if err := w.visit(ctx, childSrc, childName, ci, linkDepth, emit); err != nil {
				return err
			}
		}
		return nil

	case mode.IsRegular():
		m := w.member(src, name, info, MemberFile)
		return emit(walkEntry{src: src, member: m, redact: verdict == VerdictRedact})
	}

	w.skipped++
	w.log.Warn().Str("path", name).Str("mode", mode.String()).Msg("skipping special file")
	return nil
}

func (w *walker) visitLink(ctx context.Context, src, name string, info fs.FileInfo, linkDepth int, verdict Verdict, emit func(walkEntry) error) error {
	if w.followSymlinks {
		if linkDepth >= maxLinkDepth {
			w.skipped++
			w.log.Warn().Str("path", name).Msg("too many levels of symbolic links")
			return nil
		}
		target, err := w.fsys.Stat(src)
		if err != nil {
			w.skipped++
			w.log.Warn().Err(err).Str("path", name).Msg("skipping dangling symlink")
			return nil
		}
		return w.visit(ctx, src, name, target, linkDepth+1, emit)
	}

	sl, ok := w.fsys.(absfs.SymLinker)
	if !ok {
		return nil
	}
	target, err := sl.Readlink(src)
	if err != nil {
		return NewIOError("readlink", src, err)
	}
	target = strings.ReplaceAll(target, "\\", "/")
	if !w.allowSymlinkEscape && linkEscapes(name, target) {
		w.skipped++
		w.log.Warn().Str("path", name).Str("target", target).Msg("skipping symlink that escapes the source root")
		return nil
	}

	m := w.member(src, name, info, MemberSymlink)
	m.LinkTarget = target
	return emit(walkEntry{src: src, member: m, redact: verdict == VerdictRedact})
}

// member builds the raw member for a source before the metadata policy is
// applied
func (w *walker) member(src, name string, info fs.FileInfo, kind MemberKind) Member {
	m := Member{
		Path:    name,
		Kind:    kind,
		Mode:    info.Mode().Perm(),
		ModTime: info.ModTime(),
	}
	if kind == MemberFile {
		m.Size = info.Size()
	}

	policy := w.filter.Policy()
	redact := w.filter.Rules().Redact
	if policy.KeepOwnership && !redact {
		if of, ok := w.fsys.(OwnerFS); ok {
			if uid, gid, ok := of.Owner(src); ok {
				m.UID, m.GID = uid, gid
			}
		}
	}
	if policy.KeepXattrs && !redact {
		m.Xattrs = w.xattrs(src, name)
	}
	return m
}

func (w *walker) xattrs(src, name string) map[string][]byte {
	xf, ok := w.fsys.(XattrFS)
	if !ok {
		if !w.xattrWarned {
			w.xattrWarned = true
			w.log.Warn().Msg("source filesystem does not support extended attributes")
		}
		return nil
	}
	names, err := xf.ListXattr(src)
	if err != nil {
		w.log.Debug().Err(err).Str("path", name).Msg("cannot list xattrs")
		return nil
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	out := make(map[string][]byte, len(names))
	for _, n := range names {
		v, err := xf.GetXattr(src, n)
		if err != nil {
			w.log.Debug().Err(err).Str("path", name).Str("xattr", n).Msg("cannot read xattr")
			continue
		}
		out[n] = v
	}
	return out
}

// readDirNames lists a directory sorted by name
func readDirNames(fsys absfs.FileSystem, dir string) ([]string, error) {
	f, err := fsys.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if n != "." && n != ".." && n != "" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}
