package fatvol

import (
	"fmt"
	"strings"

	"github.com/ternfs/fatvol/checkpoint"
)

// objectID identifies the on-disk object behind an open handle: the head of
// its cluster chain plus the location of its directory entry. The root
// directory has no directory entry and is marked by the root flag.
type objectID struct {
	firstCluster fatEntry
	entry        slotRef
	root         bool
	isDir        bool
}

// slotRef is the location of one 32 byte directory entry slot.
type slotRef struct {
	sector uint32
	offset uint16
}

func (r slotRef) valid() bool { return r.sector != 0 }

// entrySlot is a decoded directory entry together with its location and the
// locations of the long name fragments preceding it.
type entrySlot struct {
	header ExtendedEntryHeader
	ref    slotRef
	lfn    []slotRef
}

func (v *Volume) rootObject() objectID {
	obj := objectID{root: true, isDir: true}
	if v.info.FSType == FAT32 {
		obj.firstCluster = fatEntry(v.info.RootCluster)
	}
	return obj
}

// dirSectors calls fn for every sector of the directory, in order. For the
// fixed root region of FAT12/16 that is a plain sector range; everything
// else is a cluster chain walk. fn receives a copy of the sector content,
// so it may fetch other sectors itself.
func (v *Volume) dirSectors(dir objectID, fn func(sector uint32, data []byte) (stop bool, err error)) error {
	data := make([]byte, v.info.SectorSize)

	visit := func(sector uint32) (bool, error) {
		if err := v.fetch(sector); err != nil {
			return false, err
		}
		copy(data, v.sectorCache.buffer)
		return fn(sector, data)
	}

	if dir.root && v.info.FSType != FAT32 {
		for i := uint32(0); i < v.info.rootDirSectors; i++ {
			stop, err := visit(v.info.FirstRootSector + i)
			if err != nil || stop {
				return err
			}
		}
		return nil
	}

	cluster := dir.firstCluster
	for cluster.ReadAsNextCluster() {
		first := v.info.firstSectorOfCluster(cluster.Value())
		for i := uint32(0); i < uint32(v.info.SectorsPerCluster); i++ {
			stop, err := visit(first + i)
			if err != nil || stop {
				return err
			}
		}

		next, err := v.nextCluster(cluster)
		if err != nil {
			return err
		}
		cluster = next
	}
	return nil
}

// scanDir decodes the directory entry stream, assembling long name
// fragments, and calls fn for every short entry. Deleted entries are
// skipped. The scan ends at the end-of-directory marker or when fn stops it.
func (v *Volume) scanDir(dir objectID, fn func(slot entrySlot) (stop bool, err error)) error {
	var assembler lfnAssembler
	var fragments []slotRef

	return v.dirSectors(dir, func(sector uint32, data []byte) (bool, error) {
		for offset := 0; offset+entrySize <= len(data); offset += entrySize {
			raw := data[offset : offset+entrySize]

			switch {
			case raw[0] == entryEndOfDir:
				return true, nil

			case raw[0] == entryFree:
				assembler.reset()
				fragments = fragments[:0]

			case raw[11]&attrLongName == attrLongName:
				fragment, err := decodeLongFilenameEntry(raw)
				if err != nil {
					return false, err
				}
				assembler.add(fragment)
				fragments = append(fragments, slotRef{sector: sector, offset: uint16(offset)})

			default:
				header, err := decodeEntryHeader(raw)
				if err != nil {
					return false, err
				}
				slot := entrySlot{
					header: ExtendedEntryHeader{
						EntryHeader:  header,
						ExtendedName: assembler.finish(header.Name),
					},
					ref: slotRef{sector: sector, offset: uint16(offset)},
					lfn: append([]slotRef(nil), fragments...),
				}
				fragments = fragments[:0]

				stop, err := fn(slot)
				if err != nil || stop {
					return stop, err
				}
			}
		}
		return false, nil
	})
}

// findInDir looks name up in the directory, matching long and short names
// case insensitively. Volume label entries are invisible to lookups.
func (v *Volume) findInDir(dir objectID, name string) (entrySlot, bool, error) {
	var found entrySlot
	ok := false
	err := v.scanDir(dir, func(slot entrySlot) (bool, error) {
		if slot.header.Attribute&attrVolumeID != 0 {
			return false, nil
		}
		if entryNameMatches(slot.header, name) {
			found = slot
			ok = true
			return true, nil
		}
		return false, nil
	})
	return found, ok, err
}

// readDirEntries lists the directory, hiding the volume label and the "."
// and ".." entries.
func (v *Volume) readDirEntries(dir objectID) ([]ExtendedEntryHeader, error) {
	var entries []ExtendedEntryHeader
	err := v.scanDir(dir, func(slot entrySlot) (bool, error) {
		if slot.header.Attribute&attrVolumeID != 0 {
			return false, nil
		}
		if slot.header.Name[0] == '.' {
			return false, nil
		}
		entries = append(entries, slot.header)
		return false, nil
	})
	return entries, err
}

// dirIsEmpty reports whether the directory holds nothing but the "." and
// ".." entries and the volume label.
func (v *Volume) dirIsEmpty(dir objectID) (bool, error) {
	empty := true
	err := v.scanDir(dir, func(slot entrySlot) (bool, error) {
		if slot.header.Attribute&attrVolumeID != 0 || slot.header.Name[0] == '.' {
			return false, nil
		}
		empty = false
		return true, nil
	})
	return empty, err
}

// updateEntryAt rewrites the directory entry at ref. The write goes
// straight through to the device so metadata is never advertised before it
// is durable.
func (v *Volume) updateEntryAt(ref slotRef, header EntryHeader) error {
	if err := v.fetch(ref.sector); err != nil {
		return err
	}
	copy(v.sectorCache.buffer[ref.offset:ref.offset+entrySize], encodeEntryHeader(header))
	v.markDirty()
	return v.store()
}

// deleteEntryAt marks the entry and its long name fragments as deleted.
func (v *Volume) deleteEntryAt(slot entrySlot) error {
	refs := append(append([]slotRef(nil), slot.lfn...), slot.ref)
	for _, ref := range refs {
		if err := v.fetch(ref.sector); err != nil {
			return err
		}
		v.sectorCache.buffer[ref.offset] = entryFree
		v.markDirty()
	}
	return v.store()
}

// findFreeSlot returns the location of the first reusable directory entry
// slot. If the directory has no free slot left it is grown by one zeroed
// cluster, except for the fixed FAT12/16 root region which cannot grow.
func (v *Volume) findFreeSlot(dir objectID) (slotRef, error) {
	var free slotRef
	err := v.dirSectors(dir, func(sector uint32, data []byte) (bool, error) {
		for offset := 0; offset+entrySize <= len(data); offset += entrySize {
			lead := data[offset]
			if lead == entryFree || lead == entryEndOfDir {
				free = slotRef{sector: sector, offset: uint16(offset)}
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return slotRef{}, err
	}
	if free.valid() {
		return free, nil
	}

	if dir.root && v.info.FSType != FAT32 {
		return slotRef{}, checkpoint.Wrap(fmt.Errorf("the fixed root directory is full"), ErrNoSpace)
	}

	grown, err := v.extendChain(dir.firstCluster, 1)
	if err != nil {
		return slotRef{}, err
	}
	if err := v.zeroCluster(grown.Value()); err != nil {
		return slotRef{}, err
	}
	return slotRef{sector: v.info.firstSectorOfCluster(grown.Value())}, nil
}

// createEntry writes a new directory entry for header into dir.
func (v *Volume) createEntry(dir objectID, header EntryHeader) (slotRef, error) {
	ref, err := v.findFreeSlot(dir)
	if err != nil {
		return slotRef{}, err
	}
	if err := v.updateEntryAt(ref, header); err != nil {
		return slotRef{}, err
	}
	return ref, nil
}

// zeroCluster clears the data sectors of a cluster, used for fresh
// directory clusters and zero-fill on growth.
func (v *Volume) zeroCluster(cluster uint32) error {
	first := v.info.firstSectorOfCluster(cluster)
	for i := uint32(0); i < uint32(v.info.SectorsPerCluster); i++ {
		if err := v.fetch(first + i); err != nil {
			return err
		}
		for j := range v.sectorCache.buffer {
			v.sectorCache.buffer[j] = 0
		}
		v.markDirty()
	}
	return v.store()
}

// splitPath validates a slash separated absolute path and returns its
// components. Relative segments are not supported, there is no working
// directory on a volume.
func splitPath(path string) ([]string, error) {
	var components []string
	for _, component := range strings.Split(path, "/") {
		switch component {
		case "":
			// Leading, trailing and doubled slashes are tolerated.
		case ".", "..":
			return nil, checkpoint.Wrap(fmt.Errorf("relative component in path %q", path), ErrInvalidPath)
		default:
			components = append(components, component)
		}
	}
	return components, nil
}

// resolve walks path from the root directory. Every non-terminal component
// must be a directory. The returned header is meaningless for the root
// object.
func (v *Volume) resolve(path string) (objectID, ExtendedEntryHeader, error) {
	components, err := splitPath(path)
	if err != nil {
		return objectID{}, ExtendedEntryHeader{}, err
	}

	current := v.rootObject()
	var header ExtendedEntryHeader
	for i, component := range components {
		if !current.isDir {
			return objectID{}, ExtendedEntryHeader{}, checkpoint.Wrap(
				fmt.Errorf("%q in path %q is a file", components[i-1], path), ErrNotADirectory)
		}
		slot, ok, err := v.findInDir(current, component)
		if err != nil {
			return objectID{}, ExtendedEntryHeader{}, err
		}
		if !ok {
			return objectID{}, ExtendedEntryHeader{}, checkpoint.Wrap(
				fmt.Errorf("%q in path %q does not exist", component, path), ErrNotFound)
		}
		current = objectID{
			firstCluster: slot.header.FirstCluster(),
			entry:        slot.ref,
			isDir:        slot.header.IsDir(),
		}
		header = slot.header
	}
	return current, header, nil
}

// resolveParent resolves everything but the last path component and returns
// the parent directory together with the final name.
func (v *Volume) resolveParent(path string) (objectID, string, error) {
	components, err := splitPath(path)
	if err != nil {
		return objectID{}, "", err
	}
	if len(components) == 0 {
		return objectID{}, "", checkpoint.Wrap(fmt.Errorf("path %q has no name component", path), ErrInvalidPath)
	}

	parentPath := strings.Join(components[:len(components)-1], "/")
	parent, _, err := v.resolve(parentPath)
	if err != nil {
		return objectID{}, "", err
	}
	if !parent.isDir {
		return objectID{}, "", checkpoint.Wrap(fmt.Errorf("parent of %q is a file", path), ErrNotADirectory)
	}
	return parent, components[len(components)-1], nil
}
