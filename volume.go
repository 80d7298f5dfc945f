package fatvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/ternfs/fatvol/blockdev"
	"github.com/ternfs/fatvol/checkpoint"
)

// FATType is the width of one file allocation table entry.
type FATType uint8

const (
	FAT12 FATType = iota
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return fmt.Sprintf("FATType(%d)", uint8(t))
}

// invalidSector is a sector index no volume can contain, used to mark the
// sector cache as empty.
const invalidSector = 0xFFFFFFFF

// Sector is the single-sector cache all metadata and data access goes
// through. A fetch of a different sector writes the buffer back first if it
// is dirty.
type Sector struct {
	current uint32
	dirty   bool
	buffer  []byte
}

// Info contains all information about the whole mounted filesystem.
type Info struct {
	FSType            FATType
	SectorSize        uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	FATSize           uint32 // sectors per FAT copy
	TotalSectors      uint32
	RootEntryCount    uint16
	RootCluster       uint32 // FAT32 only
	FSInfoSector      uint16 // FAT32 only
	FirstRootSector   uint32 // FAT12/16 fixed root region
	FirstDataSector   uint32
	CountOfClusters   uint32
	VolumeID          uint32
	Label             string

	rootDirSectors uint32
}

// firstSectorOfCluster maps a cluster number to its first sector. Valid
// cluster numbers start at 2.
func (i *Info) firstSectorOfCluster(cluster uint32) uint32 {
	return i.FirstDataSector + (cluster-2)*uint32(i.SectorsPerCluster)
}

// maxCluster is the highest valid cluster number of the volume.
func (i *Info) maxCluster() uint32 {
	return i.CountOfClusters + 1
}

func (i *Info) clusterBytes() int64 {
	return int64(i.SectorsPerCluster) * int64(i.SectorSize)
}

// Volume is one mounted filesystem instance. It is created by a
// MountManager and implements afero.Fs. A Volume serializes all operations
// through one mutex; beyond that the caller is responsible for
// synchronization as documented on MountManager.
type Volume struct {
	lock        sync.Mutex
	device      blockdev.Device
	info        Info
	sectorCache Sector
	alloc       allocState
	openHandles int
	mounted     bool
}

// MountOptions control volume validation on mount.
type MountOptions struct {
	// SkipChecks relaxes some boot sector validations which allows mounting
	// not perfectly standard FAT filesystems. Use with caution!
	SkipChecks bool
}

func newVolume(device blockdev.Device, opts MountOptions) (*Volume, error) {
	buf := make([]byte, device.SectorSize())
	if err := device.ReadSector(0, buf); err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	_, info, err := parseBootSector(buf, opts.SkipChecks)
	if err != nil {
		return nil, err
	}

	if info.SectorSize != device.SectorSize() {
		return nil, corruptf("boot sector declares %d bytes per sector but the device has %d", info.SectorSize, device.SectorSize())
	}
	if !opts.SkipChecks && info.TotalSectors > device.SectorCount() {
		return nil, corruptf("boot sector declares %d total sectors but the device has only %d", info.TotalSectors, device.SectorCount())
	}

	v := &Volume{
		device: device,
		info:   info,
	}
	v.sectorCache.buffer = make([]byte, info.SectorSize)
	v.sectorCache.current = invalidSector

	// Build the free cluster state by a full scan. The cached count is a
	// hint from here on; it can always be recomputed by another scan.
	v.alloc.nextFree = 2
	free, err := v.countFreeClusters()
	if err != nil {
		return nil, err
	}
	v.alloc.freeCount = free
	v.alloc.freeValid = true

	v.mounted = true
	return v, nil
}

func corruptf(format string, args ...interface{}) error {
	return checkpoint.Wrap(fmt.Errorf(format, args...), ErrCorruptVolume)
}

var validMedia = map[byte]bool{
	0xF0: true, 0xF8: true, 0xF9: true, 0xFA: true, 0xFB: true,
	0xFC: true, 0xFD: true, 0xFE: true, 0xFF: true,
}

// parseBootSector validates the boot sector and derives the volume
// geometry. The FAT type is determined by the count of clusters, which is
// the only correct way per the specification, and then cross-checked
// against the type specific fields. All validation failures report
// ErrCorruptVolume.
func parseBootSector(raw []byte, skipChecks bool) (BPB, Info, error) {
	var bpb BPB
	var info Info

	if len(raw) < 512 {
		return bpb, info, corruptf("boot sector too short: %d bytes", len(raw))
	}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &bpb); err != nil {
		return bpb, info, checkpoint.Wrap(err, ErrCorruptVolume)
	}

	// Check for valid jump instructions at the very beginning.
	if !skipChecks &&
		!(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) &&
		bpb.BSJumpBoot[0] != 0xE9 {
		return bpb, info, corruptf("no valid jump instructions at the beginning")
	}

	// The signature always lives at offset 510, independent of the sector size.
	if sig := binary.LittleEndian.Uint16(raw[510:512]); sig != bootSignature {
		return bpb, info, corruptf("missing boot sector signature, got %#04x", sig)
	}

	// FAT only supports 512, 1024, 2048 and 4096.
	switch bpb.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return bpb, info, corruptf("invalid sector size %d", bpb.BytesPerSector)
	}
	info.SectorSize = bpb.BytesPerSector

	// Sectors per cluster has to be a power of two and greater than 0.
	// Also the whole cluster should not be more than 32K.
	if bpb.SectorsPerCluster == 0 || bpb.SectorsPerCluster&(bpb.SectorsPerCluster-1) != 0 {
		return bpb, info, corruptf("invalid sectors per cluster %d", bpb.SectorsPerCluster)
	}
	if !skipChecks && uint32(bpb.BytesPerSector)*uint32(bpb.SectorsPerCluster) > 32*1024 {
		return bpb, info, corruptf("cluster size %d exceeds 32K", uint32(bpb.BytesPerSector)*uint32(bpb.SectorsPerCluster))
	}
	info.SectorsPerCluster = bpb.SectorsPerCluster

	// Note: typically 1 for FAT12/16 and 32 for FAT32.
	if bpb.ReservedSectorCount == 0 {
		return bpb, info, corruptf("invalid reserved sector count 0")
	}
	info.ReservedSectors = bpb.ReservedSectorCount

	if bpb.NumFATs < 1 {
		return bpb, info, corruptf("at least one FAT is required")
	}
	info.NumFATs = bpb.NumFATs

	if !skipChecks && !validMedia[bpb.Media] {
		return bpb, info, corruptf("invalid media value %#02x", bpb.Media)
	}

	if uint32(bpb.RootEntryCount)*entrySize%uint32(bpb.BytesPerSector) != 0 {
		return bpb, info, corruptf("root entry count %d does not fill whole sectors", bpb.RootEntryCount)
	}
	info.RootEntryCount = bpb.RootEntryCount

	switch {
	case bpb.TotalSectors16 != 0:
		info.TotalSectors = uint32(bpb.TotalSectors16)
	case bpb.TotalSectors32 != 0:
		info.TotalSectors = bpb.TotalSectors32
	default:
		return bpb, info, corruptf("total sector count is 0")
	}

	var fat32 FAT32SpecificData
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
		return bpb, info, checkpoint.Wrap(err, ErrCorruptVolume)
	}

	info.FATSize = uint32(bpb.FATSize16)
	if info.FATSize == 0 {
		info.FATSize = fat32.FATSize
	}
	if info.FATSize == 0 {
		return bpb, info, corruptf("FAT size is 0")
	}

	info.rootDirSectors = (uint32(bpb.RootEntryCount)*entrySize + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)
	info.FirstRootSector = uint32(bpb.ReservedSectorCount) + uint32(bpb.NumFATs)*info.FATSize
	info.FirstDataSector = info.FirstRootSector + info.rootDirSectors

	if info.FirstDataSector >= info.TotalSectors {
		return bpb, info, corruptf("metadata regions exceed the volume size")
	}
	info.CountOfClusters = (info.TotalSectors - info.FirstDataSector) / uint32(bpb.SectorsPerCluster)
	if info.CountOfClusters == 0 {
		return bpb, info, corruptf("volume has no data clusters")
	}

	// This threshold based determination is the one and only way to compute
	// the FAT type, straight from the specification.
	switch {
	case info.CountOfClusters < 4085:
		info.FSType = FAT12
	case info.CountOfClusters < 65525:
		info.FSType = FAT16
	default:
		info.FSType = FAT32
	}

	if info.FSType == FAT32 {
		if bpb.RootEntryCount != 0 {
			return bpb, info, corruptf("FAT32 volume declares a fixed root directory")
		}
		if bpb.FATSize16 != 0 {
			return bpb, info, corruptf("FAT32 volume declares a 16 bit FAT size")
		}
		if !skipChecks && bpb.TotalSectors16 != 0 {
			return bpb, info, corruptf("FAT32 volume declares a 16 bit total sector count")
		}
		if !skipChecks && fat32.FSVersion != 0 {
			return bpb, info, corruptf("unsupported FAT32 version %d", fat32.FSVersion)
		}
		if fat32.RootCluster < 2 || fat32.RootCluster > info.maxCluster() {
			return bpb, info, corruptf("invalid root cluster %d", fat32.RootCluster)
		}
		info.RootCluster = fat32.RootCluster
		info.FSInfoSector = fat32.FSInfo
		if fat32.BSBootSignature == 0x29 {
			info.VolumeID = fat32.BSVolumeID
			info.Label = strings.TrimRight(string(fat32.BSVolumeLabel[:]), " ")
		}
	} else {
		if bpb.RootEntryCount == 0 {
			return bpb, info, corruptf("%v volume without a fixed root directory", info.FSType)
		}
		var fat16 FAT16SpecificData
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat16); err != nil {
			return bpb, info, checkpoint.Wrap(err, ErrCorruptVolume)
		}
		if fat16.BSBootSignature == 0x29 {
			info.VolumeID = fat16.BSVolumeID
			info.Label = strings.TrimRight(string(fat16.BSVolumeLabel[:]), " ")
		}
	}

	return bpb, info, nil
}

// encodeBPB is the inverse of the BPB decoding in parseBootSector: encoding
// a parsed BPB reproduces the original first 90 boot sector bytes.
func encodeBPB(bpb BPB) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, bpb)
	return buf.Bytes()
}

// Label returns the volume label from the boot sector.
func (v *Volume) Label() string {
	return v.info.Label
}

// FSType returns the FAT type of the mounted volume.
func (v *Volume) FSType() FATType {
	return v.info.FSType
}

// Info returns a copy of the volume geometry.
func (v *Volume) Info() Info {
	return v.info
}

func (v *Volume) checkMounted() error {
	if !v.mounted {
		return checkpoint.From(ErrNotMounted)
	}
	return nil
}

// fetch loads a specific single sector of the filesystem into the cache,
// writing back the previously cached sector first if it is dirty.
func (v *Volume) fetch(sector uint32) error {
	if sector == v.sectorCache.current {
		return nil
	}

	if v.sectorCache.dirty {
		if err := v.store(); err != nil {
			return err
		}
	}

	if err := v.device.ReadSector(sector, v.sectorCache.buffer); err != nil {
		v.sectorCache.current = invalidSector
		return checkpoint.Wrap(err, ErrIO)
	}

	v.sectorCache.current = sector
	return nil
}

// store writes the cached sector back to the device.
func (v *Volume) store() error {
	if v.sectorCache.current == invalidSector {
		return nil
	}
	if err := v.device.WriteSector(v.sectorCache.current, v.sectorCache.buffer); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	v.sectorCache.dirty = false
	return nil
}

func (v *Volume) markDirty() {
	v.sectorCache.dirty = true
}

// flush pushes the cached sector out and syncs the device.
func (v *Volume) flush() error {
	if v.sectorCache.dirty {
		if err := v.store(); err != nil {
			return err
		}
	}
	if err := v.device.Sync(); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (v *Volume) readByteAt(sector, offset uint32) (byte, error) {
	if err := v.fetch(sector + offset/uint32(v.info.SectorSize)); err != nil {
		return 0, err
	}
	return v.sectorCache.buffer[offset%uint32(v.info.SectorSize)], nil
}

func (v *Volume) writeByteAt(sector, offset uint32, value byte) error {
	if err := v.fetch(sector + offset/uint32(v.info.SectorSize)); err != nil {
		return err
	}
	v.sectorCache.buffer[offset%uint32(v.info.SectorSize)] = value
	v.markDirty()
	return nil
}

// fatByteOffset computes the byte offset of the FAT entry for cluster
// within one FAT copy. FAT12 packs two entries into three bytes.
func (v *Volume) fatByteOffset(cluster uint32) uint32 {
	switch v.info.FSType {
	case FAT12:
		return cluster + cluster/2
	case FAT16:
		return cluster * 2
	default:
		return cluster * 4
	}
}

func (v *Volume) checkFATCluster(cluster uint32) error {
	if cluster > v.info.maxCluster() {
		return corruptf("cluster %d beyond the FAT (max %d)", cluster, v.info.maxCluster())
	}
	return nil
}

// readFATEntry reads the FAT entry of cluster from the first FAT copy and
// widens it into the canonical FAT32 value space.
func (v *Volume) readFATEntry(cluster uint32) (fatEntry, error) {
	if err := v.checkFATCluster(cluster); err != nil {
		return 0, err
	}

	fatStart := uint32(v.info.ReservedSectors)
	offset := v.fatByteOffset(cluster)

	switch v.info.FSType {
	case FAT12:
		// A FAT12 entry may straddle a sector boundary, so the two bytes are
		// read individually.
		b0, err := v.readByteAt(fatStart, offset)
		if err != nil {
			return 0, err
		}
		b1, err := v.readByteAt(fatStart, offset+1)
		if err != nil {
			return 0, err
		}
		value := uint32(b0) | uint32(b1)<<8
		if cluster%2 == 0 {
			value &= 0x0FFF
		} else {
			value >>= 4
		}
		// Only the true sentinels (bad 0xFF7, end of chain 0xFF8..0xFFF) are
		// widened; 0xFF0..0xFF5 are ordinary cluster numbers on volumes near
		// the FAT12 size limit.
		if value >= 0x0FF7 {
			value |= 0x0FFFF000
		}
		return fatEntry(value), nil

	case FAT16:
		if err := v.fetch(fatStart + offset/uint32(v.info.SectorSize)); err != nil {
			return 0, err
		}
		value := uint32(binary.LittleEndian.Uint16(v.sectorCache.buffer[offset%uint32(v.info.SectorSize):]))
		if value >= 0xFFF7 {
			value |= 0x0FFF0000
		}
		return fatEntry(value), nil

	default:
		if err := v.fetch(fatStart + offset/uint32(v.info.SectorSize)); err != nil {
			return 0, err
		}
		value := binary.LittleEndian.Uint32(v.sectorCache.buffer[offset%uint32(v.info.SectorSize):])
		return fatEntry(value & 0x0FFFFFFF), nil
	}
}

// writeFATEntry narrows value back to the entry width of the FAT type and
// writes it to every FAT copy. Values 0 and 1 as cluster are accepted so
// format and fsck style code can seed the reserved entries; regular
// allocation never touches them.
func (v *Volume) writeFATEntry(cluster uint32, value fatEntry) error {
	if err := v.checkFATCluster(cluster); err != nil {
		return err
	}

	offset := v.fatByteOffset(cluster)
	sectorSize := uint32(v.info.SectorSize)

	for copyIdx := uint32(0); copyIdx < uint32(v.info.NumFATs); copyIdx++ {
		fatStart := uint32(v.info.ReservedSectors) + copyIdx*v.info.FATSize

		switch v.info.FSType {
		case FAT12:
			// The canonical sentinel values all end in 0xFFx, so masking to
			// 12 bits narrows data and sentinel values alike.
			narrow := value.Value() & 0x0FFF
			b0, err := v.readByteAt(fatStart, offset)
			if err != nil {
				return err
			}
			b1, err := v.readByteAt(fatStart, offset+1)
			if err != nil {
				return err
			}
			if cluster%2 == 0 {
				b0 = byte(narrow)
				b1 = b1&0xF0 | byte(narrow>>8)
			} else {
				b0 = b0&0x0F | byte(narrow&0x0F)<<4
				b1 = byte(narrow >> 4)
			}
			if err := v.writeByteAt(fatStart, offset, b0); err != nil {
				return err
			}
			if err := v.writeByteAt(fatStart, offset+1, b1); err != nil {
				return err
			}

		case FAT16:
			if err := v.fetch(fatStart + offset/sectorSize); err != nil {
				return err
			}
			binary.LittleEndian.PutUint16(v.sectorCache.buffer[offset%sectorSize:], uint16(value.Value()))
			v.markDirty()

		default:
			if err := v.fetch(fatStart + offset/sectorSize); err != nil {
				return err
			}
			// The upper four bits of a FAT32 entry are reserved and must be
			// preserved.
			old := binary.LittleEndian.Uint32(v.sectorCache.buffer[offset%sectorSize:])
			binary.LittleEndian.PutUint32(v.sectorCache.buffer[offset%sectorSize:], old&0xF0000000|value.Value())
			v.markDirty()
		}
	}

	return nil
}

// nextCluster follows the chain link of cluster.
func (v *Volume) nextCluster(cluster fatEntry) (fatEntry, error) {
	if !cluster.ReadAsNextCluster() {
		return 0, corruptf("cluster %d is not a valid chain member", cluster.Value())
	}
	return v.readFATEntry(cluster.Value())
}

// clusterPos caches a position inside a cluster chain so sequential access
// does not rewalk the chain from its start on every call.
type clusterPos struct {
	index   uint32
	cluster fatEntry
}

func (p *clusterPos) valid() bool {
	return p != nil && p.cluster.ReadAsNextCluster()
}

// clusterAt returns the cluster at the given chain index, walking forward
// from pos if it already points into the chain at or before index. pos is
// updated to the result.
func (v *Volume) clusterAt(start fatEntry, pos *clusterPos, index uint32) (fatEntry, error) {
	current := start
	walked := uint32(0)
	if pos.valid() && pos.index <= index {
		current = pos.cluster
		walked = pos.index
	}

	for walked < index {
		next, err := v.nextCluster(current)
		if err != nil {
			return 0, err
		}
		if next.ReadAsEOF() {
			return 0, corruptf("cluster chain ends at index %d, wanted index %d", walked, index)
		}
		current = next
		walked++
	}

	if pos != nil {
		pos.index = index
		pos.cluster = current
	}
	return current, nil
}

// chainEnd walks the chain from start and returns its last cluster and the
// total chain length.
func (v *Volume) chainEnd(start fatEntry) (last fatEntry, length uint32, err error) {
	current := start
	length = 1
	for {
		next, err := v.nextCluster(current)
		if err != nil {
			return 0, 0, err
		}
		if next.ReadAsEOF() {
			return current, length, nil
		}
		if length > v.info.CountOfClusters {
			return 0, 0, corruptf("cluster chain starting at %d is cyclic", start.Value())
		}
		current = next
		length++
	}
}

func (v *Volume) chainLength(start fatEntry) (uint32, error) {
	if !start.ReadAsNextCluster() {
		return 0, nil
	}
	_, length, err := v.chainEnd(start)
	return length, err
}
