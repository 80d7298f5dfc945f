package fatvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ternfs/fatvol/blockdev"
	"github.com/ternfs/fatvol/checkpoint"
)

// FSInfo is the FAT32 free cluster hint sector. Both counters are hints: a
// mount never trusts them over a FAT scan, but unmount keeps them current for
// implementations that do.
type FSInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
)

// FormatOptions control Format. The zero value formats with two FATs, 512
// root entries, media 0xF8 and a cluster size picked from the volume size.
type FormatOptions struct {
	// Label is the volume label, at most 11 characters. It is stored in the
	// boot sector and as a volume ID entry in the root directory.
	Label string

	// SectorsPerCluster must be a power of two, or 0 to pick automatically.
	SectorsPerCluster uint8

	// NumFATs is the number of FAT copies, default 2.
	NumFATs uint8

	// RootEntryCount is the size of the fixed root directory on FAT12/16,
	// default 512. Ignored on FAT32.
	RootEntryCount uint16

	// Media is the media descriptor byte, default 0xF8 (fixed disk).
	Media byte
}

// geometry is the outcome of the format size computation.
type formatGeometry struct {
	fsType         FATType
	reserved       uint16
	rootEntryCount uint16
	fatSize        uint32
	clusters       uint32
}

func defaultSectorsPerCluster(totalSectors uint32) uint8 {
	switch {
	case totalSectors < 32768: // up to 16M at 512 byte sectors
		return 1
	case totalSectors < 262144: // up to 128M
		return 4
	case totalSectors < 2097152: // up to 1G
		return 8
	default:
		return 16
	}
}

// computeGeometry solves the mutual dependency between the FAT size and the
// cluster count by iterating the FAT size estimate until it covers all
// clusters it creates room for.
func computeGeometry(totalSectors uint32, sectorSize uint16, spc, numFATs uint8, rootEntryCount uint16, fsType FATType) (formatGeometry, error) {
	g := formatGeometry{fsType: fsType, rootEntryCount: rootEntryCount, reserved: 1}
	if fsType == FAT32 {
		g.reserved = 32
		g.rootEntryCount = 0
	}

	rootDirSectors := (uint32(g.rootEntryCount)*entrySize + uint32(sectorSize) - 1) / uint32(sectorSize)

	// Bytes one FAT entry occupies, times two to keep FAT12's 1.5 integral.
	var entryBytes2 uint32
	switch fsType {
	case FAT12:
		entryBytes2 = 3
	case FAT16:
		entryBytes2 = 4
	default:
		entryBytes2 = 8
	}

	g.fatSize = 1
	for {
		meta := uint32(g.reserved) + uint32(numFATs)*g.fatSize + rootDirSectors
		if meta >= totalSectors {
			return g, checkpoint.Wrap(fmt.Errorf("%d sectors leave no room for data", totalSectors), ErrNoSpace)
		}
		g.clusters = (totalSectors - meta) / uint32(spc)
		needed := ((g.clusters+2)*entryBytes2/2 + uint32(sectorSize) - 1) / uint32(sectorSize)
		if needed <= g.fatSize {
			break
		}
		g.fatSize = needed
	}
	if g.clusters == 0 {
		return g, checkpoint.Wrap(fmt.Errorf("%d sectors leave no data clusters", totalSectors), ErrNoSpace)
	}
	return g, nil
}

func fatTypeForClusters(clusters uint32) FATType {
	switch {
	case clusters < 4085:
		return FAT12
	case clusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}

// Format writes a fresh, empty FAT filesystem onto device. The FAT type
// follows from the resulting cluster count; it cannot be chosen directly, as
// the count of clusters alone defines the type.
func Format(device blockdev.Device, opts FormatOptions) error {
	sectorSize := device.SectorSize()
	totalSectors := device.SectorCount()

	if opts.NumFATs == 0 {
		opts.NumFATs = 2
	}
	if opts.RootEntryCount == 0 {
		opts.RootEntryCount = 512
	}
	if opts.Media == 0 {
		opts.Media = 0xF8
	}
	spc := opts.SectorsPerCluster
	if spc == 0 {
		spc = defaultSectorsPerCluster(totalSectors)
	}
	if spc&(spc-1) != 0 {
		return checkpoint.Wrap(fmt.Errorf("sectors per cluster %d is not a power of two", spc), ErrInvalidPath)
	}
	if uint32(opts.RootEntryCount)*entrySize%uint32(sectorSize) != 0 {
		return checkpoint.Wrap(fmt.Errorf("root entry count %d does not fill whole sectors", opts.RootEntryCount), ErrInvalidPath)
	}
	if len(opts.Label) > 11 {
		return checkpoint.Wrap(fmt.Errorf("label %q exceeds 11 characters", opts.Label), ErrInvalidPath)
	}

	// The geometry and the FAT type depend on each other; settle by
	// recomputing until the type the cluster count implies is the type the
	// geometry was computed for.
	fsType := fatTypeForClusters(totalSectors / uint32(spc))
	var geo formatGeometry
	for attempt := 0; ; attempt++ {
		var err error
		geo, err = computeGeometry(totalSectors, sectorSize, spc, opts.NumFATs, opts.RootEntryCount, fsType)
		if err != nil {
			return err
		}
		actual := fatTypeForClusters(geo.clusters)
		if actual == fsType {
			break
		}
		if attempt > 2 {
			return corruptf("volume size straddles a FAT type boundary, adjust the cluster size")
		}
		fsType = actual
	}

	boot, err := buildBootSector(geo, opts, spc, sectorSize, totalSectors)
	if err != nil {
		return err
	}

	zero := make([]byte, sectorSize)
	writeSector := func(sector uint32, data []byte) error {
		if err := device.WriteSector(sector, data); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		return nil
	}

	// Reserved region first. Everything it holds beyond the boot sector is
	// zeroed so stale FSInfo or boot code never survives a format.
	for s := uint32(1); s < uint32(geo.reserved); s++ {
		if err := writeSector(s, zero); err != nil {
			return err
		}
	}
	if err := writeSector(0, boot); err != nil {
		return err
	}

	// The FAT copies. Entry 0 holds the media descriptor, entry 1 the end of
	// chain mark; on FAT32 entry 2 terminates the root directory chain.
	fat := make([]byte, sectorSize)
	switch geo.fsType {
	case FAT12:
		fat[0], fat[1], fat[2] = opts.Media, 0xFF, 0xFF
	case FAT16:
		fat[0], fat[1] = opts.Media, 0xFF
		binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)
	default:
		binary.LittleEndian.PutUint32(fat[0:], 0x0FFFFF00|uint32(opts.Media))
		binary.LittleEndian.PutUint32(fat[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(fat[8:], uint32(fatEntryEOC))
	}
	for copyIdx := uint32(0); copyIdx < uint32(opts.NumFATs); copyIdx++ {
		fatStart := uint32(geo.reserved) + copyIdx*geo.fatSize
		if err := writeSector(fatStart, fat); err != nil {
			return err
		}
		for s := uint32(1); s < geo.fatSize; s++ {
			if err := writeSector(fatStart+s, zero); err != nil {
				return err
			}
		}
	}

	// The root directory: the fixed region on FAT12/16, cluster 2 on FAT32.
	rootDirSectors := (uint32(geo.rootEntryCount)*entrySize + uint32(sectorSize) - 1) / uint32(sectorSize)
	firstRootSector := uint32(geo.reserved) + uint32(opts.NumFATs)*geo.fatSize
	rootSectors := rootDirSectors
	if geo.fsType == FAT32 {
		// Data region starts right after the FATs, the root is cluster 2.
		rootSectors = uint32(spc)
	}

	rootFirst := zero
	if opts.Label != "" {
		label := encodeLabel(opts.Label)
		entry := EntryHeader{Name: label, Attribute: attrVolumeID}
		now := time.Now()
		entry.WriteDate = EncodeDate(now)
		entry.WriteTime = EncodeTime(now)
		rootFirst = make([]byte, sectorSize)
		copy(rootFirst, encodeEntryHeader(entry))
	}
	if err := writeSector(firstRootSector, rootFirst); err != nil {
		return err
	}
	for s := uint32(1); s < rootSectors; s++ {
		if err := writeSector(firstRootSector+s, zero); err != nil {
			return err
		}
	}

	if geo.fsType == FAT32 {
		info := FSInfo{
			LeadSignature:   fsInfoLeadSignature,
			StructSignature: fsInfoStructSignature,
			FreeCount:       geo.clusters - 1, // cluster 2 holds the root
			NextFree:        3,
			TrailSignature:  fsInfoTrailSignature,
		}
		infoSector := make([]byte, sectorSize)
		var buf bytes.Buffer
		_ = binary.Write(&buf, binary.LittleEndian, info)
		copy(infoSector, buf.Bytes())
		if err := writeSector(1, infoSector); err != nil {
			return err
		}
		// Backup boot sector and backup FSInfo.
		if err := writeSector(6, boot); err != nil {
			return err
		}
		if err := writeSector(7, infoSector); err != nil {
			return err
		}
	}

	if err := device.Sync(); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

// buildBootSector assembles the full boot sector for the computed geometry.
func buildBootSector(geo formatGeometry, opts FormatOptions, spc uint8, sectorSize uint16, totalSectors uint32) ([]byte, error) {
	bpb := BPB{
		BytesPerSector:      sectorSize,
		SectorsPerCluster:   spc,
		ReservedSectorCount: geo.reserved,
		NumFATs:             opts.NumFATs,
		RootEntryCount:      geo.rootEntryCount,
		Media:               opts.Media,
		SectorsPerTrack:     63,
		NumberOfHeads:       255,
	}
	copy(bpb.BSOEMName[:], "FATVOL  ")

	if totalSectors <= 0xFFFF && geo.fsType != FAT32 {
		bpb.TotalSectors16 = uint16(totalSectors)
	} else {
		bpb.TotalSectors32 = totalSectors
	}

	var label [11]byte
	copy(label[:], "NO NAME    ")
	if opts.Label != "" {
		label = encodeLabel(opts.Label)
	}
	volumeID := uint32(time.Now().Unix())

	var tail bytes.Buffer
	if geo.fsType == FAT32 {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x58, 0x90}
		fat32 := FAT32SpecificData{
			FATSize:         geo.fatSize,
			RootCluster:     2,
			FSInfo:          1,
			BkBootSector:    6,
			BSDriveNumber:   0x80,
			BSBootSignature: 0x29,
			BSVolumeID:      volumeID,
			BSVolumeLabel:   label,
		}
		copy(fat32.BSFileSystemType[:], "FAT32   ")
		_ = binary.Write(&tail, binary.LittleEndian, fat32)
	} else {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x3C, 0x90}
		if geo.fatSize > 0xFFFF {
			return nil, corruptf("FAT size %d does not fit the 16 bit field", geo.fatSize)
		}
		bpb.FATSize16 = uint16(geo.fatSize)
		fat16 := FAT16SpecificData{
			BSDriveNumber:   0x80,
			BSBootSignature: 0x29,
			BSVolumeID:      volumeID,
			BSVolumeLabel:   label,
		}
		copy(fat16.BSFileSystemType[:], geo.fsType.String()+"   ")
		_ = binary.Write(&tail, binary.LittleEndian, fat16)
	}
	copy(bpb.FATSpecificData[:], tail.Bytes())

	boot := make([]byte, sectorSize)
	copy(boot, encodeBPB(bpb))
	binary.LittleEndian.PutUint16(boot[510:], bootSignature)
	return boot, nil
}

// encodeLabel upper-cases and space-pads a volume label.
func encodeLabel(label string) [11]byte {
	var encoded [11]byte
	for i := range encoded {
		encoded[i] = ' '
	}
	for i := 0; i < len(label) && i < 11; i++ {
		c := label[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		encoded[i] = c
	}
	return encoded
}

// updateFSInfo persists the free cluster hints into the FSInfo sector. Only
// a sector carrying valid signatures is updated; anything else is left alone
// rather than guessed at.
func (v *Volume) updateFSInfo() error {
	if err := v.fetch(uint32(v.info.FSInfoSector)); err != nil {
		return err
	}
	buf := v.sectorCache.buffer
	if len(buf) < 512 ||
		binary.LittleEndian.Uint32(buf[0:]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(buf[484:]) != fsInfoStructSignature {
		return nil
	}

	free := v.alloc.freeCount
	if !v.alloc.freeValid {
		recount, err := v.countFreeClusters()
		if err != nil {
			return err
		}
		free = recount
		v.alloc.freeCount = recount
		v.alloc.freeValid = true
		if err := v.fetch(uint32(v.info.FSInfoSector)); err != nil {
			return err
		}
	}

	binary.LittleEndian.PutUint32(v.sectorCache.buffer[488:], free)
	binary.LittleEndian.PutUint32(v.sectorCache.buffer[492:], v.alloc.nextFree)
	v.markDirty()
	return v.store()
}
