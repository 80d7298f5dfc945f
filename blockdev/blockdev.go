// Package blockdev abstracts sector granular access to the medium a FAT
// volume lives on. The adapter does not retry: a medium fault surfaces as
// ErrIO on the first failure and retry policy is left to the caller.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/ternfs/fatvol/checkpoint"
)

// ErrIO is the error all device faults wrap: medium errors, short reads and
// out-of-range sector indices.
var ErrIO = errors.New("block device i/o error")

// Device is the contract the volume manager reads and writes sectors
// through. Buffers passed to ReadSector and WriteSector must be exactly
// SectorSize bytes long.
type Device interface {
	ReadSector(index uint32, buf []byte) error
	WriteSector(index uint32, buf []byte) error

	// Sync blocks until all previously written sectors are durable on the
	// medium.
	Sync() error

	SectorSize() uint16
	SectorCount() uint32
}

// File is the subset of afero.File a FileDevice needs. *os.File satisfies
// it as well.
type File interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// FileDevice adapts a file (an image file or a raw device node) to the
// Device interface.
type FileDevice struct {
	file       File
	sectorSize uint16
	sectors    uint32
}

// NewFileDevice wraps an open file as a block device of the given sector
// size. The device spans sectors whole sectors.
func NewFileDevice(file File, sectorSize uint16, sectors uint32) *FileDevice {
	return &FileDevice{file: file, sectorSize: sectorSize, sectors: sectors}
}

// OpenFileDevice opens path on the given afero filesystem and wraps it as a
// block device. The sector count is derived from the file size.
func OpenFileDevice(fs afero.Fs, path string, sectorSize uint16) (*FileDevice, error) {
	file, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	stat, err := file.Stat()
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	sectors := uint32(stat.Size() / int64(sectorSize))
	return NewFileDevice(file, sectorSize, sectors), nil
}

func (d *FileDevice) check(index uint32, buf []byte) error {
	if index >= d.sectors {
		return checkpoint.Wrap(fmt.Errorf("sector %d out of range (device has %d sectors)", index, d.sectors), ErrIO)
	}
	if len(buf) != int(d.sectorSize) {
		return checkpoint.Wrap(fmt.Errorf("buffer size %d does not match sector size %d", len(buf), d.sectorSize), ErrIO)
	}
	return nil
}

func (d *FileDevice) ReadSector(index uint32, buf []byte) error {
	if err := d.check(index, buf); err != nil {
		return err
	}
	if _, err := d.file.ReadAt(buf, int64(index)*int64(d.sectorSize)); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (d *FileDevice) WriteSector(index uint32, buf []byte) error {
	if err := d.check(index, buf); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf, int64(index)*int64(d.sectorSize)); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	if err := d.file.Sync(); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (d *FileDevice) SectorSize() uint16 { return d.sectorSize }

func (d *FileDevice) SectorCount() uint32 { return d.sectors }

// MemDevice is an in-memory block device, mainly useful for tests and for
// building images before writing them out at once.
type MemDevice struct {
	sectorSize uint16
	data       []byte

	// FailAt makes ReadSector and WriteSector fail with ErrIO for this
	// sector index if >= 0. Used by tests to simulate medium faults.
	FailAt int64
}

// NewMemDevice allocates a zeroed in-memory device.
func NewMemDevice(sectorSize uint16, sectors uint32) *MemDevice {
	return &MemDevice{
		sectorSize: sectorSize,
		data:       make([]byte, int(sectorSize)*int(sectors)),
		FailAt:     -1,
	}
}

func (d *MemDevice) check(index uint32, buf []byte) error {
	if int(index)*int(d.sectorSize) >= len(d.data) {
		return checkpoint.Wrap(fmt.Errorf("sector %d out of range (device has %d sectors)", index, d.SectorCount()), ErrIO)
	}
	if len(buf) != int(d.sectorSize) {
		return checkpoint.Wrap(fmt.Errorf("buffer size %d does not match sector size %d", len(buf), d.sectorSize), ErrIO)
	}
	if d.FailAt >= 0 && uint32(d.FailAt) == index {
		return checkpoint.Wrap(fmt.Errorf("injected fault at sector %d", index), ErrIO)
	}
	return nil
}

func (d *MemDevice) ReadSector(index uint32, buf []byte) error {
	if err := d.check(index, buf); err != nil {
		return err
	}
	off := int(index) * int(d.sectorSize)
	copy(buf, d.data[off:off+int(d.sectorSize)])
	return nil
}

func (d *MemDevice) WriteSector(index uint32, buf []byte) error {
	if err := d.check(index, buf); err != nil {
		return err
	}
	off := int(index) * int(d.sectorSize)
	copy(d.data[off:off+int(d.sectorSize)], buf)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) SectorSize() uint16 { return d.sectorSize }

func (d *MemDevice) SectorCount() uint32 {
	return uint32(len(d.data) / int(d.sectorSize))
}

// Bytes exposes the raw backing store of the device.
func (d *MemDevice) Bytes() []byte { return d.data }
