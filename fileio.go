package fatvol

import (
	"time"

	"github.com/ternfs/fatvol/checkpoint"
)

// readEntryAt loads the directory entry stored at ref.
func (v *Volume) readEntryAt(ref slotRef) (EntryHeader, error) {
	if err := v.fetch(ref.sector); err != nil {
		return EntryHeader{}, err
	}
	return decodeEntryHeader(v.sectorCache.buffer[ref.offset : ref.offset+entrySize])
}

// mutateEntryAt applies mutate to the directory entry at ref and writes it
// back through to the device.
func (v *Volume) mutateEntryAt(ref slotRef, mutate func(*EntryHeader)) error {
	header, err := v.readEntryAt(ref)
	if err != nil {
		return err
	}
	mutate(&header)
	return v.updateEntryAt(ref, header)
}

// readRange copies length bytes starting at offset out of the cluster chain.
func (v *Volume) readRange(start fatEntry, pos *clusterPos, offset, length int64) ([]byte, error) {
	clusterBytes := v.info.clusterBytes()
	sectorSize := int64(v.info.SectorSize)
	data := make([]byte, 0, length)

	for int64(len(data)) < length {
		abs := offset + int64(len(data))
		cluster, err := v.clusterAt(start, pos, uint32(abs/clusterBytes))
		if err != nil {
			return data, err
		}

		inCluster := abs % clusterBytes
		sector := v.info.firstSectorOfCluster(cluster.Value()) + uint32(inCluster/sectorSize)
		inSector := inCluster % sectorSize

		if err := v.fetch(sector); err != nil {
			return data, err
		}
		chunk := sectorSize - inSector
		if rest := length - int64(len(data)); chunk > rest {
			chunk = rest
		}
		data = append(data, v.sectorCache.buffer[inSector:inSector+chunk]...)
	}
	return data, nil
}

// writeRange copies data into the cluster chain starting at byte offset.
// The chain must already be long enough.
func (v *Volume) writeRange(start fatEntry, pos *clusterPos, data []byte, offset int64) (int, error) {
	clusterBytes := v.info.clusterBytes()
	sectorSize := int64(v.info.SectorSize)
	written := 0

	for written < len(data) {
		abs := offset + int64(written)
		cluster, err := v.clusterAt(start, pos, uint32(abs/clusterBytes))
		if err != nil {
			return written, err
		}

		inCluster := abs % clusterBytes
		sector := v.info.firstSectorOfCluster(cluster.Value()) + uint32(inCluster/sectorSize)
		inSector := inCluster % sectorSize

		if err := v.fetch(sector); err != nil {
			return written, err
		}
		chunk := int(sectorSize - inSector)
		if rest := len(data) - written; chunk > rest {
			chunk = rest
		}
		copy(v.sectorCache.buffer[inSector:], data[written:written+chunk])
		v.markDirty()
		written += chunk
	}
	return written, nil
}

// zeroRange writes zeroes into [from, to) of the cluster chain, used to
// clear the gap when writes or truncation grow a file past its old end.
func (v *Volume) zeroRange(start fatEntry, from, to int64) error {
	zeroes := make([]byte, int(v.info.SectorSize))
	for from < to {
		chunk := int64(len(zeroes))
		if rest := to - from; chunk > rest {
			chunk = rest
		}
		n, err := v.writeRange(start, nil, zeroes[:chunk], from)
		from += int64(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// ensureChain makes sure the object's chain covers size bytes, allocating
// or extending as needed. It returns true if the chain head changed.
func (v *Volume) ensureChain(obj *objectID, size int64) (bool, error) {
	if size <= 0 {
		return false, nil
	}
	clusterBytes := v.info.clusterBytes()
	needed := uint32((size + clusterBytes - 1) / clusterBytes)

	if !obj.firstCluster.ReadAsNextCluster() {
		head, err := v.allocateChain(needed)
		if err != nil {
			return false, err
		}
		obj.firstCluster = head
		return true, nil
	}

	length, err := v.chainLength(obj.firstCluster)
	if err != nil {
		return false, err
	}
	if needed > length {
		if _, err := v.extendChain(obj.firstCluster, needed-length); err != nil {
			return false, err
		}
	}
	return false, nil
}

// writeObject writes data at offset into the object, growing the chain as
// needed and zero-filling any gap between the old file size and offset. The
// directory entry's size field is only updated after the data clusters are
// durably written, so a failure never advertises bytes which did not make
// it to the medium.
func (v *Volume) writeObject(obj *objectID, pos *clusterPos, data []byte, offset, fileSize int64) (int, int64, error) {
	if len(data) == 0 {
		return 0, fileSize, nil
	}

	end := offset + int64(len(data))
	headChanged, err := v.ensureChain(obj, end)
	if err != nil {
		return 0, fileSize, err
	}
	if headChanged {
		*pos = clusterPos{}
	}

	if offset > fileSize {
		if err := v.zeroRange(obj.firstCluster, fileSize, offset); err != nil {
			return 0, fileSize, err
		}
	}

	n, err := v.writeRange(obj.firstCluster, pos, data, offset)
	if err == nil {
		// Push the data out before the entry update below makes it visible.
		err = v.store()
	}
	if err != nil {
		if n > 0 {
			err = checkpoint.From(&PartialWriteError{Written: n, Err: err})
		}
		return n, fileSize, err
	}

	newSize := fileSize
	if end > newSize {
		newSize = end
	}
	if !obj.root {
		now := time.Now()
		first := obj.firstCluster
		err = v.mutateEntryAt(obj.entry, func(h *EntryHeader) {
			h.FileSize = uint32(newSize)
			h.SetFirstCluster(first)
			h.WriteDate = EncodeDate(now)
			h.WriteTime = EncodeTime(now)
			h.Attribute |= attrArchive
		})
		if err != nil {
			return n, fileSize, err
		}
	}
	return n, newSize, nil
}

// truncateChain resizes the object to newSize. Shrinking frees the trailing
// clusters before the size field is updated; growing extends the chain and
// zero-fills the new region.
func (v *Volume) truncateChain(obj *objectID, fileSize, newSize int64) (int64, error) {
	if newSize == fileSize {
		return fileSize, nil
	}

	if newSize > fileSize {
		if _, err := v.ensureChain(obj, newSize); err != nil {
			return fileSize, err
		}
		if err := v.zeroRange(obj.firstCluster, fileSize, newSize); err != nil {
			return fileSize, err
		}
	} else if obj.firstCluster.ReadAsNextCluster() {
		if newSize == 0 {
			if _, err := v.freeChain(obj.firstCluster); err != nil {
				return fileSize, err
			}
			obj.firstCluster = 0
		} else {
			clusterBytes := v.info.clusterBytes()
			keep := uint32((newSize + clusterBytes - 1) / clusterBytes)
			lastKept, err := v.clusterAt(obj.firstCluster, nil, keep-1)
			if err != nil {
				return fileSize, err
			}
			tail, err := v.readFATEntry(lastKept.Value())
			if err != nil {
				return fileSize, err
			}
			if err := v.writeFATEntry(lastKept.Value(), fatEntryEOC); err != nil {
				return fileSize, err
			}
			if tail.ReadAsNextCluster() {
				if _, err := v.freeChain(tail); err != nil {
					return fileSize, err
				}
			}
		}
	}

	if !obj.root {
		now := time.Now()
		first := obj.firstCluster
		err := v.mutateEntryAt(obj.entry, func(h *EntryHeader) {
			h.FileSize = uint32(newSize)
			h.SetFirstCluster(first)
			h.WriteDate = EncodeDate(now)
			h.WriteTime = EncodeTime(now)
			h.Attribute |= attrArchive
		})
		if err != nil {
			return fileSize, err
		}
	}
	return newSize, nil
}

// The methods below are the volume side of the File handle contract, see
// the fatFileFs interface in file.go. They serialize on the volume lock.

func (v *Volume) readRoot() ([]ExtendedEntryHeader, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}
	return v.readDirEntries(v.rootObject())
}

func (v *Volume) readDir(cluster fatEntry) ([]ExtendedEntryHeader, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}
	return v.readDirEntries(objectID{firstCluster: cluster, isDir: true})
}

func (v *Volume) readFileAt(start fatEntry, pos *clusterPos, fileSize, offset, readSize int64) ([]byte, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}
	if rest := fileSize - offset; readSize > rest {
		readSize = rest
	}
	if readSize <= 0 {
		return nil, nil
	}
	return v.readRange(start, pos, offset, readSize)
}

func (v *Volume) writeFileAt(obj *objectID, pos *clusterPos, data []byte, offset, fileSize int64) (int, int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return 0, fileSize, err
	}
	return v.writeObject(obj, pos, data, offset, fileSize)
}

func (v *Volume) truncateObject(obj *objectID, fileSize, newSize int64) (int64, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return fileSize, err
	}
	return v.truncateChain(obj, fileSize, newSize)
}

func (v *Volume) syncVolume() error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}
	return v.flush()
}

func (v *Volume) releaseHandle() {
	v.lock.Lock()
	defer v.lock.Unlock()

	if v.openHandles > 0 {
		v.openHandles--
	}
}
