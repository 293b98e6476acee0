package arcfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/rs/zerolog"
)

// extractor materializes members under a destination root. Every member
// path passes sanitizePath and stripComponents before anything touches the
// filesystem, and parent directories that are symlinks are refused.
type extractor struct {
	fsys absfs.FileSystem
	kind FormatKind
	dest string
	opts ExtractOptions
	keep *Filter
	log  zerolog.Logger

	mu    sync.Mutex
	stats Stats
	links []pendingLink
	dirs  []pendingDir
}

type pendingLink struct {
	rel    string
	target string
}

type pendingDir struct {
	rel string
	m   Member
}

// resolve turns a member name into a path relative to the destination.
// ok is false when the filter or strip-components removes the member.
func (x *extractor) resolve(m Member) (rel string, ok bool, err error) {
	clean, err := sanitizePath(m.Path)
	if err != nil {
		return "", false, err
	}
	if !x.keep.KeepTree(clean, m.Kind == MemberDir) {
		x.mu.Lock()
		x.stats.Skipped++
		x.mu.Unlock()
		x.log.Debug().Str("member", m.Path).Msg("filtered")
		return "", false, nil
	}
	rel, ok = stripComponents(clean, x.opts.StripComponents)
	if !ok {
		return "", false, nil
	}
	if m.Kind == MemberSymlink && !x.opts.AllowSymlinkEscape && linkEscapes(rel, m.LinkTarget) {
		return "", false, NewPathTraversalError(m.Path, m.LinkTarget)
	}
	return rel, true, nil
}

func (x *extractor) full(rel string) string {
	return path.Join(x.dest, rel)
}

// ensureDir creates rel and its parents under the root, refusing to pass
// through symlinks
func (x *extractor) ensureDir(rel string) error {
	if rel == "" || rel == "." {
		return nil
	}
	cur := x.dest
	for _, part := range strings.Split(rel, "/") {
		cur = path.Join(cur, part)
		info, err := lstat(x.fsys, cur)
		switch {
		case err == nil:
			if info.Mode()&fs.ModeSymlink != 0 {
				return NewPathTraversalError(rel, cur)
			}
			if !info.IsDir() {
				return NewIOError("mkdir", cur, fmt.Errorf("%w: not a directory", fs.ErrExist))
			}
		case errors.Is(err, fs.ErrNotExist):
			if err := x.fsys.Mkdir(cur, 0o755); err != nil {
				// another worker may have created it
				if info, serr := lstat(x.fsys, cur); serr != nil || !info.IsDir() {
					return NewIOError("mkdir", cur, err)
				}
			}
		default:
			return NewIOError("stat", cur, err)
		}
	}
	return nil
}

func (x *extractor) ensureParent(rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	return x.ensureDir(dir)
}

// materialize writes one member. Files are written at once, directories are
// created now with metadata applied at the end, and symlinks are deferred
// until every regular file exists.
func (x *extractor) materialize(rel string, m Member, body io.Reader) error {
	switch m.Kind {
	case MemberDir:
		if err := x.ensureDir(rel); err != nil {
			return err
		}
		x.mu.Lock()
		x.dirs = append(x.dirs, pendingDir{rel: rel, m: m})
		x.stats.Files++
		x.mu.Unlock()
		return nil

	case MemberSymlink:
		x.mu.Lock()
		x.links = append(x.links, pendingLink{rel: rel, target: m.LinkTarget})
		x.mu.Unlock()
		return nil
	}

	n, err := x.writeFile(rel, m, body)
	if err != nil {
		return err
	}
	x.mu.Lock()
	x.stats.Files++
	x.stats.BytesOut += n
	x.mu.Unlock()
	return nil
}

func (x *extractor) writeFile(rel string, m Member, body io.Reader) (int64, error) {
	if err := x.ensureParent(rel); err != nil {
		return 0, err
	}
	full := x.full(rel)
	mode := m.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}

	af, err := createAtomic(x.fsys, full, mode, x.opts.Overwrite)
	if err != nil {
		return 0, err
	}
	var n int64
	if body != nil {
		n, err = io.Copy(&ioErrWriter{w: af.File(), path: full}, body)
		if err != nil {
			af.Abort()
			return n, err
		}
	}
	if m.Size >= 0 && n != m.Size {
		af.Abort()
		return n, NewCodecError(x.kind, m.Path, fmt.Errorf("size mismatch: got %d bytes, want %d", n, m.Size))
	}
	if _, err := af.Commit(); err != nil {
		return n, err
	}
	x.restore(full, m, mode)
	x.log.Debug().Str("member", m.Path).Int64("bytes", n).Msg("extracted")
	return n, nil
}

// restore applies mode, times, ownership and xattrs. Failures are logged
// and never fatal.
func (x *extractor) restore(full string, m Member, mode fs.FileMode) {
	if err := x.fsys.Chmod(full, mode); err != nil {
		x.log.Warn().Err(err).Str("path", full).Msg("cannot set mode")
	}
	if !m.ModTime.IsZero() {
		if err := x.fsys.Chtimes(full, m.ModTime, m.ModTime); err != nil {
			x.log.Warn().Err(err).Str("path", full).Msg("cannot set times")
		}
	}
	if x.opts.SameOwner && (m.UID != 0 || m.GID != 0) {
		if err := x.fsys.Chown(full, m.UID, m.GID); err != nil {
			x.log.Warn().Err(err).Str("path", full).Msg("cannot set owner")
		}
	}
	if len(m.Xattrs) > 0 {
		xf, ok := x.fsys.(XattrFS)
		if !ok {
			x.log.Warn().Str("path", full).Msg("destination does not support extended attributes")
			return
		}
		for k, v := range m.Xattrs {
			if err := xf.SetXattr(full, k, v); err != nil {
				x.log.Warn().Err(err).Str("path", full).Str("xattr", k).Msg("cannot set xattr")
			}
		}
	}
}

// finish creates deferred symlinks and applies directory metadata deepest
// first so that writing children does not disturb parent times
func (x *extractor) finish() error {
	sl, canLink := x.fsys.(absfs.SymLinker)
	for _, l := range x.links {
		if !canLink {
			x.log.Warn().Str("path", l.rel).Msg("destination does not support symlinks")
			continue
		}
		if err := x.ensureParent(l.rel); err != nil {
			return err
		}
		full := x.full(l.rel)
		if err := checkOverwrite(x.fsys, full, x.opts.Overwrite); err != nil {
			return err
		}
		if _, err := sl.Lstat(full); err == nil {
			if err := x.fsys.Remove(full); err != nil {
				return NewIOError("remove", full, err)
			}
		}
		if err := sl.Symlink(l.target, full); err != nil {
			return NewIOError("symlink", full, err)
		}
		x.stats.Files++
	}

	sort.SliceStable(x.dirs, func(i, j int) bool {
		return strings.Count(x.dirs[i].rel, "/") > strings.Count(x.dirs[j].rel, "/")
	})
	for _, d := range x.dirs {
		mode := d.m.Mode.Perm()
		if mode == 0 {
			mode = 0o755
		}
		// some filesystems take the type bits from Chmod as well
		x.restore(x.full(d.rel), d.m, fs.ModeDir|mode|0o700)
	}
	return nil
}

// extractStream handles forward-only formats. The first failure is fatal.
func (x *extractor) extractStream(ctx context.Context, ar ArchiveReader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, body, err := ar.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rel, ok, err := x.resolve(m)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := x.materialize(rel, m, body); err != nil {
			return &MemberError{Path: m.Path, Err: err}
		}
	}
}

// extractTable decodes members of a random-access archive in parallel.
// Per-member failures are collected in archive order and extraction
// continues.
func (x *extractor) extractTable(ctx context.Context, ra RandomAccessReader, cfg ParallelConfig) error {
	type job struct {
		index int
		rel   string
		m     Member
		err   error
	}

	members := ra.Members()
	produce := func(ctx context.Context, emit func(job) error) error {
		for i, m := range members {
			j := job{index: i, m: m}
			if m.Kind == MemberSymlink && m.LinkTarget == "" {
				j.m.LinkTarget, j.err = readLinkTarget(ra, i)
			}
			if j.err == nil {
				var ok bool
				j.rel, ok, j.err = x.resolve(j.m)
				if j.err == nil && !ok {
					continue
				}
			}
			if err := emit(j); err != nil {
				return err
			}
		}
		return nil
	}

	work := func(ctx context.Context, j job) (struct{}, error) {
		if j.err != nil {
			return struct{}{}, j.err
		}
		if j.m.Kind != MemberFile {
			return struct{}{}, x.materialize(j.rel, j.m, nil)
		}
		rc, err := ra.OpenMember(j.index)
		if err != nil {
			return struct{}{}, err
		}
		defer rc.Close()
		return struct{}{}, x.materialize(j.rel, j.m, rc)
	}

	errs := &MemberErrors{}
	sink := func(j job, _ struct{}, err error) error {
		if err != nil {
			x.log.Warn().Err(err).Str("member", j.m.Path).Msg("extract failed")
			errs.add(j.m.Path, err)
		}
		return nil
	}

	if err := runOrdered(ctx, cfg, produce, work, sink); err != nil {
		return err
	}
	return errs.errOrNil()
}

// readLinkTarget reads a symlink stored as a member body
func readLinkTarget(ra RandomAccessReader, i int) (string, error) {
	rc, err := ra.OpenMember(i)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ioErrWriter tags destination write failures as IOError
type ioErrWriter struct {
	w    io.Writer
	path string
}

func (w *ioErrWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		err = NewIOError("write", w.path, err)
	}
	return n, err
}
