package fs

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// FileSystem abstracts the filesystem operations the checksum store needs,
// for dependency injection and improved testability.
type FileSystem interface {
	ReadFile(filename string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
	RemoveAll(path string) error
	DoublestarGlob(pattern string) ([]string, error)
	WalkDir(root string, walkFn fs.WalkDirFunc) error
}

// RealFileSystem implements FileSystem using actual OS calls.
type RealFileSystem struct{}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) { return os.ReadFile(filename) }
func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}
func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (RealFileSystem) Stat(name string) (os.FileInfo, error)        { return os.Stat(name) }
func (RealFileSystem) Remove(name string) error                     { return os.Remove(name) }
func (RealFileSystem) RemoveAll(path string) error                  { return os.RemoveAll(path) }
func (RealFileSystem) DoublestarGlob(pattern string) ([]string, error) {
	return doublestar.FilepathGlob(pattern)
}
func (RealFileSystem) WalkDir(root string, walkFn fs.WalkDirFunc) error {
	return filepath.WalkDir(root, walkFn)
}
