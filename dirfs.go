package pagevault

import (
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// DirFS exposes an OS directory as an absfs.FileSystem. Slash-separated
// names are resolved below Root.
type DirFS struct {
	Root string
	cwd  string
}

var _ absfs.FileSystem = (*DirFS)(nil)

// NewDirFS returns a filesystem rooted at dir
func NewDirFS(dir string) *DirFS {
	return &DirFS{Root: dir}
}

func (fs *DirFS) path(name string) string {
	return filepath.Join(fs.Root, filepath.FromSlash(name))
}

func (fs *DirFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := fs.path(name)
	if flag&os.O_CREATE != 0 {
		// Ensure parent directory exists
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(p, flag, perm)
}

func (fs *DirFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.path(name), perm)
}

func (fs *DirFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.path(name), perm)
}

func (fs *DirFS) Remove(name string) error {
	return os.Remove(fs.path(name))
}

func (fs *DirFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.path(path))
}

func (fs *DirFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.path(oldpath), fs.path(newpath))
}

func (fs *DirFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.path(name))
}

func (fs *DirFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.path(name), mode)
}

func (fs *DirFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.path(name), atime, mtime)
}

func (fs *DirFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.path(name), uid, gid)
}

func (fs *DirFS) Separator() uint8 {
	return '/'
}

func (fs *DirFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *DirFS) Chdir(dir string) error {
	fs.cwd = dir
	return nil
}

func (fs *DirFS) Getwd() (string, error) {
	if fs.cwd == "" {
		return "/", nil
	}
	return fs.cwd, nil
}

func (fs *DirFS) TempDir() string {
	return os.TempDir()
}

func (fs *DirFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *DirFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *DirFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.path(name), size)
}
