// Package fatvol implements a FAT12/16/32 volume manager for embedded use:
// mounting a block device, maintaining the on-disk FAT structures and
// exposing file and directory objects through the afero.Fs interface.
//
// A volume is mounted from a blockdev.Device via a MountManager which
// enforces that only a single volume is mounted at a time. All metadata
// access goes through a one-sector cache; there is no background work and
// no internal locking beyond a single mutex serializing operations on the
// mounted volume.
package fatvol
