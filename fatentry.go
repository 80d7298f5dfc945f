package fatvol

// fatEntry is one entry of the file allocation table in the canonical FAT32
// value space. Entries read from FAT12 and FAT16 tables get widened into
// this space (their reserved and end-of-chain ranges mapped to the FAT32
// ones) so that all predicates below are independent of the FAT type.
type fatEntry uint32

const (
	// fatEntryFree marks a free cluster.
	fatEntryFree fatEntry = 0x00000000
	// fatEntryBad marks a cluster withdrawn from use due to a medium defect.
	fatEntryBad fatEntry = 0x0FFFFFF7
	// fatEntryEOC is the canonical end-of-chain marker written by this
	// implementation. Any value of the end-of-chain range is accepted on read.
	fatEntryEOC fatEntry = 0x0FFFFFFF
)

// Value returns the entry with the upper four bits masked off. FAT32 entries
// are really only 28 bits wide; the upper bits are reserved and must be
// preserved on write but ignored on read.
func (e fatEntry) Value() uint32 {
	return uint32(e) & 0x0FFFFFFF
}

// IsFree reports whether the entry marks a free cluster.
func (e fatEntry) IsFree() bool {
	return e.Value() == 0x00000000
}

// IsReservedTemp reports the special value 1 which is never a valid cluster
// number. Some implementations use it to mark a cluster as allocated before
// the chain is linked.
func (e fatEntry) IsReservedTemp() bool {
	return e.Value() == 0x00000001
}

// IsNextCluster reports whether the entry points to the next cluster of a
// chain.
func (e fatEntry) IsNextCluster() bool {
	v := e.Value()
	return v >= 0x00000002 && v <= 0x0FFFFFEF
}

// IsReservedSometimes reports the range 0x0FFFFFF0 - 0x0FFFFFF5 which is
// reserved in the specification but used as data clusters by some rare
// implementations.
func (e fatEntry) IsReservedSometimes() bool {
	v := e.Value()
	return v >= 0x0FFFFFF0 && v <= 0x0FFFFFF5
}

// IsReserved reports the reserved value 0x0FFFFFF6.
func (e fatEntry) IsReserved() bool {
	return e.Value() == 0x0FFFFFF6
}

// IsBad reports whether the cluster is marked defective.
func (e fatEntry) IsBad() bool {
	return e.Value() == 0x0FFFFFF7
}

// IsEOF reports whether the entry is an end-of-chain marker.
func (e fatEntry) IsEOF() bool {
	return e.Value() >= 0x0FFFFFF8
}

// ReadAsNextCluster reports whether a chain walk should follow the entry.
// The reserved-sometimes range is followed to stay compatible with
// filesystems which use it for data.
func (e fatEntry) ReadAsNextCluster() bool {
	return e.IsNextCluster() || e.IsReservedSometimes()
}

// ReadAsEOF reports whether a chain walk should stop at the entry. Reserved
// and bad values terminate a walk like a real end-of-chain marker as there
// is no valid continuation.
func (e fatEntry) ReadAsEOF() bool {
	return e.IsEOF() || e.IsReserved() || e.IsBad()
}
