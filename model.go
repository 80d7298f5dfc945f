// The structs in this file match the on-disk structures of the FAT
// filesystem byte for byte. They are decoded and encoded exclusively with
// encoding/binary in little endian order, so field order and widths must
// not change.

package fatvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/ternfs/fatvol/checkpoint"
)

// Directory entry attribute bits.
const (
	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

const (
	// entrySize is the size of one directory entry on disk.
	entrySize = 32

	// entryFree marks a deleted directory entry, entryEndOfDir an entry
	// after which no further entries exist in the directory.
	entryFree     = 0xE5
	entryEndOfDir = 0x00

	// lfnLastSeq flags the last (highest ordinal) fragment of a long name.
	lfnLastSeq = 0x40

	bootSignature = 0xAA55
)

// BPB is the BIOS parameter block common to all FAT types. It covers the
// first 36 bytes of the boot sector; the type specific tail follows in
// FATSpecificData.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	FATSpecificData     [54]byte
}

// FAT16SpecificData is the boot sector tail used by FAT12 and FAT16.
type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FAT32SpecificData is the boot sector tail used by FAT32.
type FAT32SpecificData struct {
	FATSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is a short (8.3) directory entry.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// FirstCluster combines the two on-disk half words into the cluster number.
func (h *EntryHeader) FirstCluster() fatEntry {
	return fatEntry(uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO))
}

// SetFirstCluster splits cluster into the two on-disk half words.
func (h *EntryHeader) SetFirstCluster(cluster fatEntry) {
	h.FirstClusterHI = uint16(cluster.Value() >> 16)
	h.FirstClusterLO = uint16(cluster.Value() & 0xFFFF)
}

// IsDir reports whether the entry describes a directory.
func (h *EntryHeader) IsDir() bool {
	return h.Attribute&attrDirectory == attrDirectory
}

// LongFilenameEntry is one fragment of a long filename, stored in reverse
// order directly before the short entry it belongs to.
type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// ExtendedEntryHeader is a short entry plus the long name assembled from
// the preceding fragments, if they were present and valid.
type ExtendedEntryHeader struct {
	EntryHeader
	ExtendedName string
}

func decodeEntryHeader(raw []byte) (EntryHeader, error) {
	var h EntryHeader
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h)
	return h, checkpoint.From(err)
}

func encodeEntryHeader(h EntryHeader) []byte {
	var buf bytes.Buffer
	// Writing a fixed-size struct into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func decodeLongFilenameEntry(raw []byte) (LongFilenameEntry, error) {
	var l LongFilenameEntry
	err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &l)
	return l, checkpoint.From(err)
}

// lfnChecksum computes the checksum stored in every long filename fragment
// over the 11 byte short name of the entry the fragments belong to.
func lfnChecksum(shortName [11]byte) byte {
	var sum byte
	for _, c := range shortName {
		sum = (sum&1)<<7 + sum>>1 + c
	}
	return sum
}

// lfnAssembler collects long filename fragments until the matching short
// entry arrives. Fragments arrive in reverse order, the last (highest
// ordinal) fragment first.
type lfnAssembler struct {
	chars    []uint16
	checksum byte
	next     byte // expected next (lower) ordinal
	valid    bool
}

func (a *lfnAssembler) reset() {
	a.chars = nil
	a.valid = false
}

func (a *lfnAssembler) add(l LongFilenameEntry) {
	seq := l.Sequence &^ lfnLastSeq
	if l.Sequence&lfnLastSeq != 0 {
		// Start of a new name.
		a.chars = make([]uint16, 0, int(seq)*13)
		a.checksum = l.Checksum
		a.next = seq
		a.valid = seq >= 1
	} else if !a.valid || seq != a.next || l.Checksum != a.checksum {
		// Ordinal gap or checksum change, drop the whole sequence.
		a.reset()
		return
	}
	a.next--

	fragment := make([]uint16, 0, 13)
	fragment = append(fragment, l.First[:]...)
	fragment = append(fragment, l.Second[:]...)
	fragment = append(fragment, l.Third[:]...)
	// The fragments are collected back to front.
	a.chars = append(fragment, a.chars...)
}

// finish validates the collected fragments against the short entry and
// returns the long name. A malformed sequence yields "" so the caller falls
// back to the short name, as FatFs does.
func (a *lfnAssembler) finish(shortName [11]byte) string {
	defer a.reset()

	if !a.valid || a.next != 0 || a.checksum != lfnChecksum(shortName) {
		return ""
	}

	// The name is terminated by 0x0000 and padded with 0xFFFF.
	end := len(a.chars)
	for i, c := range a.chars {
		if c == 0x0000 {
			end = i
			break
		}
	}
	return string(utf16.Decode(a.chars[:end]))
}

// shortNameString formats an on-disk 8.3 name as "NAME.EXT".
func shortNameString(name [11]byte) string {
	base := strings.TrimRight(string(name[:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// encodeShortName converts name into the on-disk 8.3 form. Only names which
// fit 8.3 after upper-casing are accepted; everything else fails with
// ErrInvalidPath as long name creation is not supported.
func encodeShortName(name string) ([11]byte, error) {
	var encoded [11]byte
	for i := range encoded {
		encoded[i] = ' '
	}

	if name == "" || name == "." || name == ".." {
		return encoded, checkpoint.Wrap(fmt.Errorf("reserved name %q", name), ErrInvalidPath)
	}

	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return encoded, checkpoint.Wrap(fmt.Errorf("name %q does not fit the 8.3 format", name), ErrInvalidPath)
	}

	put := func(dst []byte, s string) error {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			if c <= 0x20 || strings.IndexByte(`"*+,./:;<=>?[\]|`, c) >= 0 {
				return checkpoint.Wrap(fmt.Errorf("invalid character %q in name %q", c, name), ErrInvalidPath)
			}
			dst[i] = c
		}
		return nil
	}

	if err := put(encoded[:8], base); err != nil {
		return encoded, err
	}
	if err := put(encoded[8:11], ext); err != nil {
		return encoded, err
	}
	if encoded[0] == entryFree {
		// 0xE5 as first byte would mark the entry deleted; the
		// specification substitutes 0x05.
		encoded[0] = 0x05
	}
	return encoded, nil
}

// entryNameMatches reports whether the entry is known under name, either by
// its long or its short name. FAT name matching is case insensitive.
func entryNameMatches(e ExtendedEntryHeader, name string) bool {
	if e.ExtendedName != "" && strings.EqualFold(e.ExtendedName, name) {
		return true
	}
	return strings.EqualFold(shortNameString(e.Name), name)
}
