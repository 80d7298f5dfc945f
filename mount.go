package fatvol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ternfs/fatvol/blockdev"
	"github.com/ternfs/fatvol/checkpoint"
)

// Status is a flat result code mirroring the error taxonomy for callers
// crossing a language or process boundary, where sentinel errors cannot
// travel. Every Status maps back from exactly one error kind via StatusOf.
type Status uint8

const (
	StatusOK Status = iota
	StatusIOError
	StatusCorruptVolume
	StatusNoSpace
	StatusNotFound
	StatusNotADirectory
	StatusIsDirectory
	StatusExists
	StatusNotEmpty
	StatusInvalidPath
	StatusReadOnly
	StatusAlreadyMounted
	StatusNotMounted
	StatusHandlesStillOpen
	StatusFlushError
	StatusPartialFree
	StatusPartialWrite
	StatusUnsupported

	// StatusInternal covers errors outside the taxonomy; it should not
	// appear in practice.
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIOError:
		return "IOError"
	case StatusCorruptVolume:
		return "CorruptVolume"
	case StatusNoSpace:
		return "NoSpace"
	case StatusNotFound:
		return "NotFound"
	case StatusNotADirectory:
		return "NotADirectory"
	case StatusIsDirectory:
		return "IsDirectory"
	case StatusExists:
		return "Exists"
	case StatusNotEmpty:
		return "NotEmpty"
	case StatusInvalidPath:
		return "InvalidPath"
	case StatusReadOnly:
		return "ReadOnly"
	case StatusAlreadyMounted:
		return "AlreadyMounted"
	case StatusNotMounted:
		return "NotMounted"
	case StatusHandlesStillOpen:
		return "HandlesStillOpen"
	case StatusFlushError:
		return "FlushError"
	case StatusPartialFree:
		return "PartialFree"
	case StatusPartialWrite:
		return "PartialWrite"
	case StatusUnsupported:
		return "Unsupported"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// StatusOf flattens an error of this package into its Status code. Wrapped
// errors are matched by kind, not by identity, so context attached along the
// way does not change the code. The partial failure kinds are checked before
// ErrIO because they always carry an I/O cause.
func StatusOf(err error) Status {
	var partialFree *PartialFreeError
	var partialWrite *PartialWriteError

	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &partialFree):
		return StatusPartialFree
	case errors.As(err, &partialWrite):
		return StatusPartialWrite
	case errors.Is(err, ErrFlush):
		return StatusFlushError
	case errors.Is(err, ErrCorruptVolume):
		return StatusCorruptVolume
	case errors.Is(err, ErrIO):
		return StatusIOError
	case errors.Is(err, ErrNoSpace):
		return StatusNoSpace
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrNotADirectory):
		return StatusNotADirectory
	case errors.Is(err, ErrIsDirectory):
		return StatusIsDirectory
	case errors.Is(err, ErrExists):
		return StatusExists
	case errors.Is(err, ErrNotEmpty):
		return StatusNotEmpty
	case errors.Is(err, ErrInvalidPath):
		return StatusInvalidPath
	case errors.Is(err, ErrReadOnly):
		return StatusReadOnly
	case errors.Is(err, ErrAlreadyMounted):
		return StatusAlreadyMounted
	case errors.Is(err, ErrNotMounted):
		return StatusNotMounted
	case errors.Is(err, ErrHandlesStillOpen):
		return StatusHandlesStillOpen
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupported
	}
	return StatusInternal
}

// MountManager owns at most one mounted Volume at a time. A second Mount
// while a volume is active fails with ErrAlreadyMounted; there is no implicit
// unmount. The zero value is ready to use.
type MountManager struct {
	lock   sync.Mutex
	volume *Volume
}

// Mount reads and validates the volume on device and activates it.
func (m *MountManager) Mount(device blockdev.Device) (*Volume, error) {
	return m.MountWithOptions(device, MountOptions{})
}

// MountWithOptions is Mount with explicit validation options.
func (m *MountManager) MountWithOptions(device blockdev.Device, opts MountOptions) (*Volume, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.volume != nil {
		return nil, checkpoint.From(ErrAlreadyMounted)
	}

	v, err := newVolume(device, opts)
	if err != nil {
		return nil, err
	}
	m.volume = v
	return v, nil
}

// Current returns the active volume, or nil if nothing is mounted.
func (m *MountManager) Current() *Volume {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.volume
}

// Unmount flushes the volume and deactivates it. It is refused while file or
// directory handles remain open; the volume stays mounted in that case. On
// FAT32 the free cluster hints are persisted to the FSInfo sector before the
// final flush.
func (m *MountManager) Unmount() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.volume == nil {
		return checkpoint.From(ErrNotMounted)
	}

	v := m.volume
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.openHandles > 0 {
		return checkpoint.Wrap(fmt.Errorf("%d handles still open", v.openHandles), ErrHandlesStillOpen)
	}

	if v.info.FSType == FAT32 && v.info.FSInfoSector != 0 {
		if err := v.updateFSInfo(); err != nil {
			return err
		}
	}
	if err := v.flush(); err != nil {
		return err
	}

	v.mounted = false
	m.volume = nil
	return nil
}

// Default is the package level manager for callers which only ever deal with
// a single volume, like the C compatible layout surface.
var Default = &MountManager{}

// MountDefault mounts device on the Default manager and reports the outcome
// as a flat Status code.
func MountDefault(device blockdev.Device) Status {
	_, err := Default.Mount(device)
	return StatusOf(err)
}

// UnmountDefault unmounts the Default manager's volume.
func UnmountDefault() Status {
	return StatusOf(Default.Unmount())
}
