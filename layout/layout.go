// Package layout defines the fixed binary records shared with foreign
// language callers embedding the volume manager. The records mirror a 32 bit
// C ABI: every field offset, every padding hole and every total size is part
// of the contract and pinned by compile time assertions, so an accidental
// field reorder or width change fails the build instead of corrupting the
// peer's memory.
package layout

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// The primitive widths of the contract. WChar is a UCS-2 code unit, not a
// rune.
type (
	Byte  = uint8
	Word  = uint16
	DWord = uint32
	QWord = uint64
	WChar = uint16
)

const (
	_ = uint(unsafe.Sizeof(Byte(0)) - 1)
	_ = uint(1 - unsafe.Sizeof(Byte(0)))
	_ = uint(unsafe.Sizeof(Word(0)) - 2)
	_ = uint(2 - unsafe.Sizeof(Word(0)))
	_ = uint(unsafe.Sizeof(DWord(0)) - 4)
	_ = uint(4 - unsafe.Sizeof(DWord(0)))
	_ = uint(unsafe.Sizeof(QWord(0)) - 8)
	_ = uint(8 - unsafe.Sizeof(QWord(0)))
	_ = uint(unsafe.Sizeof(WChar(0)) - 2)
	_ = uint(2 - unsafe.Sizeof(WChar(0)))
)

// ObjectID identifies one open object inside a mounted volume. 48 bytes.
type ObjectID struct {
	FS           DWord
	ID           Word
	Attr         Byte
	Stat         Byte
	StartCluster DWord
	_            [4]byte
	ObjectSize   QWord
	NCont        DWord
	NFrag        DWord
	CScl         DWord
	CSize        DWord
	COfs         DWord
	_            [4]byte
}

// FileRecord is the per-handle state of an open file, including its private
// sector buffer. 592 bytes.
type FileRecord struct {
	Obj  ObjectID
	Flag Byte
	Err  Byte
	_    [6]byte
	Ptr  QWord
	// Cluster and Sector track the position of Ptr; DirSector and DirPtr
	// locate the directory entry of the file.
	Cluster   DWord
	Sector    DWord
	DirSector DWord
	DirPtr    DWord
	Buf       [512]Byte
}

// DirRecord is the per-handle state of an open directory enumeration.
// 80 bytes.
type DirRecord struct {
	Obj     ObjectID
	Ptr     DWord
	Cluster DWord
	Sector  DWord
	DirPtr  DWord
	// Name is the 8.3 pattern the enumeration matches, NUL terminated.
	Name        [12]Byte
	BlockOffset DWord
}

// FileInfoRecord carries the result of a stat or a directory read across the
// boundary. 288 bytes.
type FileInfoRecord struct {
	Size QWord
	Date Word
	Time Word
	Attr Byte
	// AltName is the 8.3 name, NUL terminated.
	AltName [13]Byte
	// Name is the long name if one exists, otherwise the 8.3 name. NUL
	// terminated.
	Name [256]Byte
	_    [6]byte
}

// Each record size is asserted in both directions, so both growth and
// shrinkage break the build.
const (
	_ = uint(unsafe.Sizeof(ObjectID{}) - 48)
	_ = uint(48 - unsafe.Sizeof(ObjectID{}))
	_ = uint(unsafe.Sizeof(FileRecord{}) - 592)
	_ = uint(592 - unsafe.Sizeof(FileRecord{}))
	_ = uint(unsafe.Sizeof(DirRecord{}) - 80)
	_ = uint(80 - unsafe.Sizeof(DirRecord{}))
	_ = uint(unsafe.Sizeof(FileInfoRecord{}) - 288)
	_ = uint(288 - unsafe.Sizeof(FileInfoRecord{}))
)

// SetName stores s NUL terminated, truncating to the field size.
func (r *FileInfoRecord) SetName(s string) {
	setString(r.Name[:], s)
}

// SetAltName stores the 8.3 name NUL terminated.
func (r *FileInfoRecord) SetAltName(s string) {
	setString(r.AltName[:], s)
}

// NameString returns the stored long name.
func (r *FileInfoRecord) NameString() string {
	return getString(r.Name[:])
}

// AltNameString returns the stored 8.3 name.
func (r *FileInfoRecord) AltNameString() string {
	return getString(r.AltName[:])
}

func setString(dst []Byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getString(src []Byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

// Encode serializes the record in little endian order, the byte order of the
// contract.
func (r *FileInfoRecord) Encode() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// DecodeFileInfoRecord is the inverse of Encode.
func DecodeFileInfoRecord(raw []byte) (FileInfoRecord, error) {
	var r FileInfoRecord
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r)
	return r, err
}
