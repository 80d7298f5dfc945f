package fatvol

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/ternfs/fatvol/checkpoint"
)

// assert the full afero surface once at compile time.
var _ afero.Fs = (*Volume)(nil)

func (v *Volume) Name() string {
	return "fatvol"
}

// Open opens the named file or directory for reading.
func (v *Volume) Open(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates the named file and opens it for reading and
// writing.
func (v *Volume) Create(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens the named file with the given flags. New files are created
// with an 8.3 name; perm is ignored as FAT has no permission bits.
func (v *Volume) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}

	writable := flag&os.O_WRONLY != 0 || flag&os.O_RDWR != 0
	appendMode := flag&os.O_APPEND != 0

	obj, header, err := v.resolve(name)
	switch {
	case err == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, checkpoint.Wrap(fmt.Errorf("%q already exists", name), ErrExists)

	case errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0:
		obj, header, err = v.createFile(name)
		if err != nil {
			return nil, err
		}

	case err != nil:
		return nil, err
	}

	if obj.isDir && (writable || appendMode) {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is a directory", name), ErrIsDirectory)
	}
	if writable && header.Attribute&attrReadOnly != 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is marked read-only", name), os.ErrPermission)
	}

	size := int64(header.FileSize)
	if writable && flag&os.O_TRUNC != 0 && size > 0 {
		size, err = v.truncateChain(&obj, size, 0)
		if err != nil {
			return nil, err
		}
	}

	f := &File{
		fs:          v,
		path:        name,
		obj:         obj,
		isDirectory: obj.isDir,
		isReadOnly:  header.Attribute&attrReadOnly != 0,
		isHidden:    header.Attribute&attrHidden != 0,
		isSystem:    header.Attribute&attrSystem != 0,
		writable:    writable,
		appendMode:  appendMode,
		entry:       header,
		size:        size,
	}
	v.openHandles++
	return f, nil
}

// createFile writes a fresh, empty directory entry for name.
func (v *Volume) createFile(name string) (objectID, ExtendedEntryHeader, error) {
	parent, base, err := v.resolveParent(name)
	if err != nil {
		return objectID{}, ExtendedEntryHeader{}, err
	}

	shortName, err := encodeShortName(base)
	if err != nil {
		return objectID{}, ExtendedEntryHeader{}, err
	}

	now := time.Now()
	header := EntryHeader{
		Name:       shortName,
		Attribute:  attrArchive,
		CreateDate: EncodeDate(now),
		CreateTime: EncodeTime(now),
		WriteDate:  EncodeDate(now),
		WriteTime:  EncodeTime(now),
	}
	ref, err := v.createEntry(parent, header)
	if err != nil {
		return objectID{}, ExtendedEntryHeader{}, err
	}

	obj := objectID{entry: ref}
	return obj, ExtendedEntryHeader{EntryHeader: header}, nil
}

// Mkdir creates a directory. perm is ignored as FAT has no permission bits.
func (v *Volume) Mkdir(name string, perm os.FileMode) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	parent, base, err := v.resolveParent(name)
	if err != nil {
		return err
	}
	_, err = v.mkdirInDir(parent, base)
	return err
}

// MkdirAll creates a directory named path along with any necessary parents.
// Existing path components must be directories.
func (v *Volume) MkdirAll(path string, perm os.FileMode) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	components, err := splitPath(path)
	if err != nil {
		return err
	}

	current := v.rootObject()
	for _, component := range components {
		slot, ok, err := v.findInDir(current, component)
		if err != nil {
			return err
		}
		if ok {
			if !slot.header.IsDir() {
				return checkpoint.Wrap(fmt.Errorf("%q in path %q is a file", component, path), ErrNotADirectory)
			}
			current = objectID{firstCluster: slot.header.FirstCluster(), entry: slot.ref, isDir: true}
			continue
		}
		current, err = v.mkdirInDir(current, component)
		if err != nil {
			return err
		}
	}
	return nil
}

// mkdirInDir allocates and initializes a directory cluster (including the
// "." and ".." entries) before the entry in the parent makes it visible.
func (v *Volume) mkdirInDir(parent objectID, base string) (objectID, error) {
	shortName, err := encodeShortName(base)
	if err != nil {
		return objectID{}, err
	}
	if _, ok, err := v.findInDir(parent, base); err != nil {
		return objectID{}, err
	} else if ok {
		return objectID{}, checkpoint.Wrap(fmt.Errorf("%q already exists", base), ErrExists)
	}

	head, err := v.allocateChain(1)
	if err != nil {
		return objectID{}, err
	}
	if err := v.zeroCluster(head.Value()); err != nil {
		return objectID{}, err
	}

	now := time.Now()
	template := EntryHeader{
		Attribute:  attrDirectory,
		CreateDate: EncodeDate(now),
		CreateTime: EncodeTime(now),
		WriteDate:  EncodeDate(now),
		WriteTime:  EncodeTime(now),
	}

	dot := template
	copy(dot.Name[:], ".          ")
	dot.SetFirstCluster(head)

	dotdot := template
	copy(dotdot.Name[:], "..         ")
	// A ".." cluster of 0 refers to the root directory, even on FAT32.
	if !parent.root {
		dotdot.SetFirstCluster(parent.firstCluster)
	}

	firstSector := v.info.firstSectorOfCluster(head.Value())
	if err := v.updateEntryAt(slotRef{sector: firstSector, offset: 0}, dot); err != nil {
		return objectID{}, err
	}
	if err := v.updateEntryAt(slotRef{sector: firstSector, offset: entrySize}, dotdot); err != nil {
		return objectID{}, err
	}

	header := template
	header.Name = shortName
	header.SetFirstCluster(head)
	ref, err := v.createEntry(parent, header)
	if err != nil {
		return objectID{}, err
	}
	return objectID{firstCluster: head, entry: ref, isDir: true}, nil
}

// Remove removes a file or an empty directory.
func (v *Volume) Remove(name string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}
	return v.remove(name)
}

func (v *Volume) remove(name string) error {
	parent, base, err := v.resolveParent(name)
	if err != nil {
		return err
	}
	slot, ok, err := v.findInDir(parent, base)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(fmt.Errorf("%q does not exist", name), ErrNotFound)
	}

	obj := objectID{firstCluster: slot.header.FirstCluster(), isDir: slot.header.IsDir()}
	if obj.isDir {
		empty, err := v.dirIsEmpty(obj)
		if err != nil {
			return err
		}
		if !empty {
			return checkpoint.Wrap(fmt.Errorf("directory %q is not empty", name), ErrNotEmpty)
		}
	}

	// The chain is freed before the entry disappears; if the free fails
	// partway the entry still names the chain and the caller can retry.
	if obj.firstCluster.ReadAsNextCluster() {
		if _, err := v.freeChain(obj.firstCluster); err != nil {
			return err
		}
	}
	return v.deleteEntryAt(slot)
}

// RemoveAll removes path and any children it contains. It returns nil if
// the path does not exist.
func (v *Volume) RemoveAll(path string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}
	return v.removeAll(path)
}

func (v *Volume) removeAll(path string) error {
	obj, _, err := v.resolve(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if obj.root {
		return checkpoint.Wrap(fmt.Errorf("cannot remove the root directory"), ErrInvalidPath)
	}

	if obj.isDir {
		entries, err := v.readDirEntries(obj)
		if err != nil {
			return err
		}
		for i := range entries {
			name := entries[i].FileInfo().Name()
			if err := v.removeAll(strings.TrimRight(path, "/") + "/" + name); err != nil {
				return err
			}
		}
	}
	return v.remove(path)
}

// Rename moves oldname to newname. Unlike os.Rename it fails with ErrExists
// if newname already exists, matching the on-disk library this package is
// compatible with.
func (v *Volume) Rename(oldname, newname string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	oldParent, oldBase, err := v.resolveParent(oldname)
	if err != nil {
		return err
	}
	slot, ok, err := v.findInDir(oldParent, oldBase)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(fmt.Errorf("%q does not exist", oldname), ErrNotFound)
	}

	if slot.header.IsDir() {
		oldComponents, _ := splitPath(oldname)
		newComponents, _ := splitPath(newname)
		if len(newComponents) > len(oldComponents) && strings.EqualFold(strings.Join(newComponents[:len(oldComponents)], "/"), strings.Join(oldComponents, "/")) {
			return checkpoint.Wrap(fmt.Errorf("cannot move %q into itself", oldname), ErrInvalidPath)
		}
	}

	newParent, newBase, err := v.resolveParent(newname)
	if err != nil {
		return err
	}
	if _, exists, err := v.findInDir(newParent, newBase); err != nil {
		return err
	} else if exists {
		return checkpoint.Wrap(fmt.Errorf("%q already exists", newname), ErrExists)
	}

	shortName, err := encodeShortName(newBase)
	if err != nil {
		return err
	}

	header := slot.header.EntryHeader
	header.Name = shortName
	if _, err := v.createEntry(newParent, header); err != nil {
		return err
	}

	// A directory moved under a different parent carries its ".." entry
	// along; it has to follow the new parent (cluster 0 names the root).
	sameParent := oldParent.root == newParent.root && oldParent.firstCluster == newParent.firstCluster
	if header.IsDir() && !sameParent && header.FirstCluster().ReadAsNextCluster() {
		firstSector := v.info.firstSectorOfCluster(header.FirstCluster().Value())
		err := v.mutateEntryAt(slotRef{sector: firstSector, offset: entrySize}, func(e *EntryHeader) {
			var parentCluster fatEntry
			if !newParent.root {
				parentCluster = newParent.firstCluster
			}
			e.SetFirstCluster(parentCluster)
		})
		if err != nil {
			return err
		}
	}
	return v.deleteEntryAt(slot)
}

// Stat returns file info for the named path.
func (v *Volume) Stat(name string) (os.FileInfo, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return nil, err
	}

	obj, header, err := v.resolve(name)
	if err != nil {
		return nil, err
	}
	if obj.root {
		return rootFileInfo{}, nil
	}
	return header.FileInfo(), nil
}

// Exists reports whether path names an existing file or directory. A
// missing path is no error; only a malformed path or an unmounted volume
// produce one, and then the bool is always false.
func (v *Volume) Exists(path string) (bool, error) {
	_, err := v.Stat(path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Chmod is not supported, FAT has no permission bits.
func (v *Volume) Chmod(name string, mode os.FileMode) error {
	return checkpoint.Wrap(fmt.Errorf("chmod %q", name), ErrUnsupported)
}

// Chown is not supported, FAT has no owners.
func (v *Volume) Chown(name string, uid, gid int) error {
	return checkpoint.Wrap(fmt.Errorf("chown %q", name), ErrUnsupported)
}

// Chtimes updates the write timestamp (mtime) and the access date of the
// named entry. FAT stores no access time, only a date.
func (v *Volume) Chtimes(name string, atime time.Time, mtime time.Time) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return err
	}

	obj, _, err := v.resolve(name)
	if err != nil {
		return err
	}
	if obj.root {
		return checkpoint.Wrap(fmt.Errorf("cannot change times of the root directory"), ErrInvalidPath)
	}

	return v.mutateEntryAt(obj.entry, func(h *EntryHeader) {
		h.WriteDate = EncodeDate(mtime)
		h.WriteTime = EncodeTime(mtime)
		h.LastAccessDate = EncodeDate(atime)
	})
}
