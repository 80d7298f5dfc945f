package fatvol

import (
	"errors"
	"fmt"
)

// The error taxonomy of the volume manager. Low level I/O and structural
// errors propagate unmodified; higher layers attach context via checkpoint
// but never swallow the underlying kind, so all of these remain matchable
// with errors.Is after wrapping.
var (
	// ErrIO reports a medium fault or an out-of-range sector. It is never
	// retried internally; retry policy belongs to the caller.
	ErrIO = errors.New("i/o error")

	// ErrCorruptVolume reports a structural validation failure at mount or
	// parse time. It is fatal to that mount attempt.
	ErrCorruptVolume = errors.New("corrupt volume")

	// ErrNoSpace reports cluster exhaustion. The caller may free space and
	// retry.
	ErrNoSpace = errors.New("no space left on volume")

	ErrNotFound      = errors.New("file or directory not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsDirectory   = errors.New("is a directory")
	ErrExists        = errors.New("file or directory already exists")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalidPath   = errors.New("invalid path")
	ErrReadOnly      = errors.New("file not opened for writing")

	// ErrAlreadyMounted is returned by a MountManager when a second mount
	// is attempted while a volume is active.
	ErrAlreadyMounted = errors.New("a volume is already mounted")

	// ErrNotMounted is returned for operations against a manager without an
	// active volume.
	ErrNotMounted = errors.New("no volume mounted")

	// ErrHandlesStillOpen is returned by Unmount while file or directory
	// handles referencing the volume remain open.
	ErrHandlesStillOpen = errors.New("open handles remain on volume")

	// ErrFlush reports a durability failure surfaced on Close. The handle
	// is released regardless.
	ErrFlush = errors.New("could not flush pending writes")

	// ErrUnsupported is returned for operations FAT cannot represent, like
	// Chmod and Chown.
	ErrUnsupported = errors.New("operation not supported on FAT")
)

// PartialFreeError reports an I/O failure while walking a cluster chain in
// free. Clusters up to and including LastFreed have been returned to the
// free pool; the caller may resume the walk at the failing chain.
type PartialFreeError struct {
	// LastFreed is the last cluster successfully reset to free, or 0 if no
	// cluster was freed.
	LastFreed uint32
	// Freed is the number of clusters freed before the failure.
	Freed uint32
	Err   error
}

func (e *PartialFreeError) Error() string {
	return fmt.Sprintf("partial free: %d clusters freed, last freed cluster %d: %v", e.Freed, e.LastFreed, e.Err)
}

func (e *PartialFreeError) Unwrap() error { return e.Err }

// PartialWriteError reports an I/O failure in the middle of a multi-sector
// write. Written bytes are durable up to Written; the directory entry size
// field has not been advanced past the durable region.
type PartialWriteError struct {
	// Written is the number of bytes durably written before the failure.
	Written int
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write: %d bytes written: %v", e.Written, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
