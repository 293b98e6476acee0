package arcfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// atomicFile writes to a sibling temp file and renames it over the final
// name on Commit, so a failed or cancelled write never leaves a partial file
// under that name
type atomicFile struct {
	fsys  absfs.FileSystem
	f     absfs.File
	tmp   string
	final string
	done  bool
}

// createAtomic opens a temp file next to name. An existing file at name is
// an IOError wrapping fs.ErrExist unless overwrite is set.
func createAtomic(fsys absfs.FileSystem, name string, perm fs.FileMode, overwrite bool) (*atomicFile, error) {
	if err := checkOverwrite(fsys, name, overwrite); err != nil {
		return nil, err
	}

	tmp := fmt.Sprintf("%s.tmp-%s", name, uuid.NewString())
	f, err := fsys.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, NewIOError("create", tmp, err)
	}
	return &atomicFile{fsys: fsys, f: f, tmp: tmp, final: name}, nil
}

// checkOverwrite rejects an existing destination. Directories are never
// replaced.
func checkOverwrite(fsys absfs.FileSystem, name string, overwrite bool) error {
	info, err := lstat(fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return NewIOError("stat", name, err)
	}
	if info.IsDir() || !overwrite {
		return NewIOError("create", name, fs.ErrExist)
	}
	return nil
}

func (a *atomicFile) File() absfs.File { return a.f }

// Commit syncs and closes the temp file and moves it into place. It returns
// the final size.
func (a *atomicFile) Commit() (int64, error) {
	if a.done {
		return 0, errors.New("atomic file already committed or aborted")
	}
	a.done = true

	if err := a.f.Sync(); err != nil {
		a.cleanup()
		return 0, NewIOError("sync", a.tmp, err)
	}
	info, err := a.f.Stat()
	if err != nil {
		a.cleanup()
		return 0, NewIOError("stat", a.tmp, err)
	}
	if err := a.f.Close(); err != nil {
		a.fsys.Remove(a.tmp)
		return 0, NewIOError("close", a.tmp, err)
	}

	// Rename does not replace existing files on every platform
	if _, err := lstat(a.fsys, a.final); err == nil {
		if err := a.fsys.Remove(a.final); err != nil {
			a.fsys.Remove(a.tmp)
			return 0, NewIOError("remove", a.final, err)
		}
	}
	if err := a.fsys.Rename(a.tmp, a.final); err != nil {
		a.fsys.Remove(a.tmp)
		return 0, NewIOError("rename", a.final, err)
	}
	return info.Size(), nil
}

// Abort discards the temp file. It is a no-op after Commit.
func (a *atomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	a.cleanup()
}

func (a *atomicFile) cleanup() {
	a.f.Close()
	a.fsys.Remove(a.tmp)
}

// lstat uses Lstat when the filesystem distinguishes links
func lstat(fsys absfs.FileSystem, name string) (fs.FileInfo, error) {
	if sl, ok := fsys.(absfs.SymLinker); ok {
		return sl.Lstat(name)
	}
	return fsys.Stat(name)
}
