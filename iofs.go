package fatvol

import (
	"errors"
	"io/fs"
)

type GoDirEntry struct {
	fs.FileInfo
}

func (g GoDirEntry) Type() fs.FileMode {
	return g.FileInfo.Mode().Type()
}

func (g GoDirEntry) Info() (fs.FileInfo, error) {
	return g.FileInfo, nil
}

type GoFile struct {
	*File
}

func (g GoFile) Stat() (fs.FileInfo, error) {
	return g.File.Stat()
}

func (g GoFile) Read(bytes []byte) (int, error) {
	return g.File.Read(bytes)
}

func (g GoFile) Close() error {
	return g.File.Close()
}

func (g GoFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := g.File.Readdir(n)

	goEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		goEntries[i] = GoDirEntry{e}
	}

	return goEntries, err
}

// GoFs wraps a mounted Volume to be compatible with fs.FS. It is a read-only
// view; writes still go through the Volume itself.
type GoFs struct {
	volume *Volume
}

// NewGoFS wraps volume as an fs.FS compatible filesystem.
func NewGoFS(volume *Volume) *GoFs {
	return &GoFs{volume: volume}
}

func (g *GoFs) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	path := "/" + name
	if name == "." {
		path = "/"
	}

	file, err := g.volume.Open(path)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: goFsError(err)}
	}

	f, ok := file.(*File)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: errors.New("invalid File implementation")}
	}

	return GoFile{f}, nil
}

// goFsError maps this package's sentinels onto the io/fs ones so callers can
// use errors.Is(err, fs.ErrNotExist) and friends.
func goFsError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fs.ErrNotExist
	case errors.Is(err, ErrInvalidPath):
		return fs.ErrInvalid
	case errors.Is(err, ErrExists):
		return fs.ErrExist
	}
	return err
}
