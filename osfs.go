package arcfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
	"github.com/pkg/xattr"
)

// XattrFS is implemented by filesystems that can read and write extended
// attributes. Attributes of symlinks themselves are never touched.
type XattrFS interface {
	ListXattr(name string) ([]string, error)
	GetXattr(name, attr string) ([]byte, error)
	SetXattr(name, attr string, data []byte) error
}

// OwnerFS is implemented by filesystems that expose numeric ownership
type OwnerFS interface {
	Owner(name string) (uid, gid int, ok bool)
}

// OSFS is an absfs.FileSystem backed by the host filesystem. Relative names
// resolve against the working directory set with Chdir.
type OSFS struct {
	cwd string
}

var (
	_ absfs.SymLinker = (*OSFS)(nil)
	_ XattrFS         = (*OSFS)(nil)
	_ OwnerFS         = (*OSFS)(nil)
)

// NewOSFS returns an OS filesystem rooted at the process working directory
func NewOSFS() (*OSFS, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &OSFS{cwd: wd}, nil
}

func (o *OSFS) abs(name string) string {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(o.cwd, name)
}

func (o *OSFS) Separator() uint8     { return filepath.Separator }
func (o *OSFS) ListSeparator() uint8 { return filepath.ListSeparator }

func (o *OSFS) Chdir(dir string) error {
	p := o.abs(dir)
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "chdir", Path: dir, Err: fs.ErrInvalid}
	}
	o.cwd = p
	return nil
}

func (o *OSFS) Getwd() (string, error) { return o.cwd, nil }
func (o *OSFS) TempDir() string        { return os.TempDir() }

func (o *OSFS) Open(name string) (absfs.File, error) {
	return os.Open(o.abs(name))
}

func (o *OSFS) Create(name string) (absfs.File, error) {
	return os.Create(o.abs(name))
}

func (o *OSFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(o.abs(name), flag, perm)
}

func (o *OSFS) Mkdir(name string, perm os.FileMode) error    { return os.Mkdir(o.abs(name), perm) }
func (o *OSFS) MkdirAll(name string, perm os.FileMode) error { return os.MkdirAll(o.abs(name), perm) }
func (o *OSFS) Remove(name string) error                     { return os.Remove(o.abs(name)) }
func (o *OSFS) RemoveAll(name string) error                  { return os.RemoveAll(o.abs(name)) }
func (o *OSFS) Rename(oldpath, newpath string) error {
	return os.Rename(o.abs(oldpath), o.abs(newpath))
}
func (o *OSFS) Stat(name string) (os.FileInfo, error)      { return os.Stat(o.abs(name)) }
func (o *OSFS) Chmod(name string, mode os.FileMode) error  { return os.Chmod(o.abs(name), mode) }
func (o *OSFS) Chown(name string, uid, gid int) error      { return os.Chown(o.abs(name), uid, gid) }
func (o *OSFS) Truncate(name string, size int64) error     { return os.Truncate(o.abs(name), size) }
func (o *OSFS) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(o.abs(name)) }
func (o *OSFS) ReadFile(name string) ([]byte, error)       { return os.ReadFile(o.abs(name)) }
func (o *OSFS) Sub(dir string) (fs.FS, error)              { return os.DirFS(o.abs(dir)), nil }

func (o *OSFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(o.abs(name), atime, mtime)
}

// SymLinker

func (o *OSFS) Lstat(name string) (os.FileInfo, error)  { return os.Lstat(o.abs(name)) }
func (o *OSFS) Lchown(name string, uid, gid int) error  { return os.Lchown(o.abs(name), uid, gid) }
func (o *OSFS) Readlink(name string) (string, error)    { return os.Readlink(o.abs(name)) }
func (o *OSFS) Symlink(oldname, newname string) error {
	return os.Symlink(filepath.FromSlash(oldname), o.abs(newname))
}

// XattrFS

func (o *OSFS) ListXattr(name string) ([]string, error) { return xattr.LList(o.abs(name)) }
func (o *OSFS) GetXattr(name, attr string) ([]byte, error) {
	return xattr.LGet(o.abs(name), attr)
}
func (o *OSFS) SetXattr(name, attr string, data []byte) error {
	return xattr.LSet(o.abs(name), attr, data)
}

// Owner reports the numeric owner recorded by the host
func (o *OSFS) Owner(name string) (uid, gid int, ok bool) {
	info, err := os.Lstat(o.abs(name))
	if err != nil {
		return 0, 0, false
	}
	return fileOwner(info)
}
