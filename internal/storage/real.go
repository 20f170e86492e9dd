package storage

import "os"

// Real is the production [Backend], backed directly by the [os] package.
type Real struct{}

// NewReal creates a [Backend] that operates on the real filesystem.
func NewReal() *Real {
	return &Real{}
}

func (*Real) OpenRead(path string) (File, error) {
	return os.Open(path)
}

func (*Real) OpenWrite(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (*Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (*Real) List(dir string) ([]os.DirEntry, error) {
	return os.ReadDir(dir)
}

func (*Real) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	return err
}

func (*Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (*Real) MakeDir(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

var _ Backend = (*Real)(nil)
