package fatvol

import (
	"fmt"

	"github.com/ternfs/fatvol/checkpoint"
)

// allocState is the free cluster bookkeeping of a mounted volume. The count
// is a best-effort cache seeded by a full scan on mount: allocation
// decisions never trust it beyond using nextFree as a scan start hint, and
// it can always be rebuilt by countFreeClusters.
type allocState struct {
	freeCount uint32
	freeValid bool
	// nextFree is the cluster the next free-cluster scan starts at. It
	// amortizes full volume scans during sequential allocation.
	nextFree uint32
}

// countFreeClusters scans the whole FAT and returns the number of free
// clusters.
func (v *Volume) countFreeClusters() (uint32, error) {
	var free uint32
	for cluster := uint32(2); cluster <= v.info.maxCluster(); cluster++ {
		entry, err := v.readFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if entry.IsFree() {
			free++
		}
	}
	return free, nil
}

// FreeClusterCount returns the number of free clusters, rescanning the FAT
// if the cached count was invalidated by a partial failure.
func (v *Volume) FreeClusterCount() (uint32, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return 0, err
	}
	return v.freeClusterCount()
}

func (v *Volume) freeClusterCount() (uint32, error) {
	if !v.alloc.freeValid {
		free, err := v.countFreeClusters()
		if err != nil {
			return 0, err
		}
		v.alloc.freeCount = free
		v.alloc.freeValid = true
	}
	return v.alloc.freeCount, nil
}

// findFreeCluster scans for a free cluster starting at the hint cursor and
// wraps around once before giving up with ErrNoSpace.
func (v *Volume) findFreeCluster() (uint32, error) {
	start := v.alloc.nextFree
	if start < 2 || start > v.info.maxCluster() {
		start = 2
	}

	cluster := start
	for {
		entry, err := v.readFATEntry(cluster)
		if err != nil {
			return 0, err
		}
		if entry.IsFree() {
			v.alloc.nextFree = cluster + 1
			return cluster, nil
		}

		cluster++
		if cluster > v.info.maxCluster() {
			cluster = 2
		}
		if cluster == start {
			return 0, checkpoint.Wrap(fmt.Errorf("no free cluster in %d clusters", v.info.CountOfClusters), ErrNoSpace)
		}
	}
}

// claimCluster marks a free cluster as end-of-chain. Writing the
// end-of-chain marker before linking any predecessor guarantees that a
// crash in between leaves a lost cluster at worst, never a cluster linked
// into two chains.
func (v *Volume) claimCluster() (uint32, error) {
	cluster, err := v.findFreeCluster()
	if err != nil {
		return 0, err
	}
	if err := v.writeFATEntry(cluster, fatEntryEOC); err != nil {
		return 0, err
	}
	if v.alloc.freeValid && v.alloc.freeCount > 0 {
		v.alloc.freeCount--
	}
	return cluster, nil
}

// allocateChain allocates a new chain of count clusters and returns its
// head. The clusters are linked head to tail, the last one carrying the
// end-of-chain marker.
func (v *Volume) allocateChain(count uint32) (fatEntry, error) {
	if count == 0 {
		return 0, checkpoint.From(fmt.Errorf("allocation of an empty chain"))
	}

	head, err := v.claimCluster()
	if err != nil {
		return 0, err
	}
	if _, err := v.extendChainFrom(head, count-1); err != nil {
		// Give the partial chain back; if that fails too the clusters are
		// merely lost and a rescan recovers them.
		_, _ = v.freeChain(fatEntry(head))
		return 0, err
	}
	return fatEntry(head), nil
}

// extendChain appends count clusters to the chain starting at start and
// returns the first newly appended cluster.
func (v *Volume) extendChain(start fatEntry, count uint32) (fatEntry, error) {
	last, _, err := v.chainEnd(start)
	if err != nil {
		return 0, err
	}
	first, err := v.extendChainFrom(last.Value(), count)
	if err != nil {
		return 0, err
	}
	return fatEntry(first), nil
}

// extendChainFrom appends count clusters after the chain tail last. Each
// new cluster is claimed (marked end-of-chain) first and linked to its
// predecessor afterwards, in this order, so an interrupted extension leaves
// recoverable lost clusters and never a double-linked chain.
func (v *Volume) extendChainFrom(last uint32, count uint32) (uint32, error) {
	first := uint32(0)
	for i := uint32(0); i < count; i++ {
		cluster, err := v.claimCluster()
		if err != nil {
			return 0, err
		}
		if err := v.writeFATEntry(last, fatEntry(cluster)); err != nil {
			return 0, err
		}
		if first == 0 {
			first = cluster
		}
		last = cluster
	}
	return first, nil
}

// freeChain walks the chain from start to its end-of-chain marker and
// resets every entry to free. The free pool summary is only updated after
// the full chain is freed; an I/O error mid-walk invalidates the summary
// and reports the resumable position via PartialFreeError.
func (v *Volume) freeChain(start fatEntry) (uint32, error) {
	var freed, lastFreed uint32

	fail := func(err error) (uint32, error) {
		v.alloc.freeValid = false
		return freed, checkpoint.From(&PartialFreeError{
			LastFreed: lastFreed,
			Freed:     freed,
			Err:       err,
		})
	}

	current := start
	for current.ReadAsNextCluster() {
		next, err := v.readFATEntry(current.Value())
		if err != nil {
			return fail(err)
		}
		if err := v.writeFATEntry(current.Value(), fatEntryFree); err != nil {
			return fail(err)
		}
		freed++
		lastFreed = current.Value()
		if freed > v.info.CountOfClusters {
			return fail(corruptf("cluster chain starting at %d is cyclic", start.Value()))
		}

		if current.Value() < v.alloc.nextFree {
			v.alloc.nextFree = current.Value()
		}
		current = next
	}

	if v.alloc.freeValid {
		v.alloc.freeCount += freed
	}
	return freed, nil
}
