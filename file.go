package fatvol

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/afero"

	"github.com/ternfs/fatvol/checkpoint"
)

// These errors may occur while processing a file.
var (
	ErrReadFile     = errors.New("could not read file completely")
	ErrWriteFile    = errors.New("could not write file completely")
	ErrSeekFile     = errors.New("could not seek inside of the file")
	ErrReadDir      = errors.New("could not read the directory")
	ErrTruncateFile = errors.New("could not truncate the file")
)

// fatFileFs provides all methods needed from a fat volume for File.
// It mainly exists to be able to mock the volume in tests.
// Generated mock using mockgen:
//  mockgen -source=file.go -destination=file_mock.go -package fatvol
type fatFileFs interface {
	readRoot() ([]ExtendedEntryHeader, error)
	readDir(cluster fatEntry) ([]ExtendedEntryHeader, error)
	readFileAt(start fatEntry, pos *clusterPos, fileSize, offset, readSize int64) ([]byte, error)
	writeFileAt(obj *objectID, pos *clusterPos, data []byte, offset, fileSize int64) (int, int64, error)
	truncateObject(obj *objectID, fileSize, newSize int64) (int64, error)
	syncVolume() error
	releaseHandle()
}

// File is an open file or directory handle. A handle moves through
// open -> (reading | writing) -> closed; closed is terminal and every
// operation on a closed handle fails with os.ErrClosed. Handles are owned
// exclusively by the caller that opened them.
type File struct {
	fs   fatFileFs
	path string

	obj         objectID
	isDirectory bool
	isReadOnly  bool
	isHidden    bool
	isSystem    bool

	writable   bool
	appendMode bool

	entry  ExtendedEntryHeader
	size   int64
	offset int64

	// pos caches the chain position of the last access to speed up
	// sequential reads and writes.
	pos clusterPos

	dirty  bool
	closed bool
}

func (f *File) checkOpen() error {
	if f.closed || f.fs == nil {
		return checkpoint.From(os.ErrClosed)
	}
	return nil
}

// Close flushes pending writes and releases the handle. Even if the flush
// fails the handle is released, so a Close never leaks resources; the
// failure is reported as ErrFlush.
func (f *File) Close() error {
	if err := f.checkOpen(); err != nil {
		return err
	}

	var flushErr error
	if f.dirty {
		flushErr = f.fs.syncVolume()
	}
	f.fs.releaseHandle()

	f.fs = nil
	f.path = ""
	f.obj = objectID{}
	f.isDirectory = false
	f.isReadOnly = false
	f.isHidden = false
	f.isSystem = false
	f.entry = ExtendedEntryHeader{}
	f.size = 0
	f.offset = 0
	f.pos = clusterPos{}
	f.dirty = false
	f.closed = true

	if flushErr != nil {
		return checkpoint.Wrap(flushErr, ErrFlush)
	}
	return nil
}

func (f *File) Read(p []byte) (n int, err error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	// Reading a file if the size has been already reached, makes no sense.
	if f.size <= f.offset {
		return 0, io.EOF
	}

	data, err := f.fs.readFileAt(f.obj.firstCluster, &f.pos, f.size, f.offset, int64(len(p)))
	if data != nil {
		copy(p, data)
	}
	f.offset += int64(len(data))

	if err != nil {
		return len(data), checkpoint.Wrap(err, ErrReadFile)
	}
	return len(data), nil
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, nil
	}

	// Reading over the end makes no sense.
	if f.size <= off {
		return 0, io.EOF
	}

	data, err := f.fs.readFileAt(f.obj.firstCluster, &f.pos, f.size, off, int64(len(p)))
	if data != nil {
		copy(p, data)
	}

	if err != nil {
		return len(data), checkpoint.Wrap(err, ErrReadFile)
	}
	if len(data) < len(p) {
		return len(data), io.EOF
	}
	return len(data), nil
}

// Seek jumps to a specific offset in the file. This affects all Read and
// Write operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
// Handles opened for writing may seek beyond the end of the file; the gap
// is zero-filled by the next write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.size + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || (!f.writable && offset > f.size) {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, checkpoint.From(ErrReadOnly)
	}
	if f.appendMode {
		f.offset = f.size
	}

	n, newSize, err := f.fs.writeFileAt(&f.obj, &f.pos, p, f.offset, f.size)
	f.size = newSize
	f.offset += int64(n)
	if n > 0 {
		f.dirty = true
	}

	if err != nil {
		return n, checkpoint.Wrap(err, ErrWriteFile)
	}
	return n, nil
}

// WriteAt writes at an absolute offset without moving the cursor.
// It is refused on handles opened for appending, like os.File does.
func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, checkpoint.From(ErrReadOnly)
	}
	if f.appendMode {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}

	n, newSize, err := f.fs.writeFileAt(&f.obj, &f.pos, p, off, f.size)
	f.size = newSize
	if n > 0 {
		f.dirty = true
	}

	if err != nil {
		return n, checkpoint.Wrap(err, ErrWriteFile)
	}
	return n, nil
}

func (f *File) Name() string {
	return f.path
}

// Readdir reads the contents of a directory and advances the handle's
// cursor by the returned amount, so consecutive calls page through the
// directory. A Seek to 0 restarts the enumeration.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	var content []ExtendedEntryHeader
	var err error
	if f.obj.root {
		content, err = f.fs.readRoot()
	} else {
		content, err = f.fs.readDir(f.obj.firstCluster)
	}
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	end := len(content)

	if int64(len(content)) < f.offset+int64(count) {
		count = len(content) - int(f.offset)
		err = io.EOF
	}

	if count >= 0 {
		end = int(f.offset) + count
	}

	content = content[f.offset:end]

	if count > 0 {
		f.offset += int64(count)
	} else if count < 0 {
		f.offset = int64(end)
	}

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = content[i].FileInfo()
	}

	return result, err
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, err
}

func (f *File) Stat() (os.FileInfo, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if f.obj.root {
		return rootFileInfo{}, nil
	}

	// The snapshot carries the live size of this handle; concurrent writes
	// through other handles are not reflected until they flush.
	entry := f.entry
	entry.FileSize = uint32(f.size)
	return entry.FileInfo(), nil
}

// Sync flushes the volume's pending state to the device.
func (f *File) Sync() error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := f.fs.syncVolume(); err != nil {
		return checkpoint.Wrap(err, ErrFlush)
	}
	f.dirty = false
	return nil
}

// Truncate changes the file size. Shrinking frees the trailing clusters,
// growing zero-fills the new region.
func (f *File) Truncate(size int64) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if !f.writable {
		return checkpoint.From(ErrReadOnly)
	}
	if size < 0 {
		return checkpoint.Wrap(syscall.EINVAL, ErrTruncateFile)
	}

	newSize, err := f.fs.truncateObject(&f.obj, f.size, size)
	f.size = newSize
	// The chain may have changed completely, the cached position is void.
	f.pos = clusterPos{}
	f.dirty = true

	if err != nil {
		return checkpoint.Wrap(err, ErrTruncateFile)
	}
	return nil
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}
