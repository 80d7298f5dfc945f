package fatvol

import (
	"fmt"

	"github.com/ternfs/fatvol/checkpoint"
	"github.com/ternfs/fatvol/layout"
)

// fileInfoRecord flattens a directory entry into the fixed boundary record.
func fileInfoRecord(e ExtendedEntryHeader) layout.FileInfoRecord {
	var r layout.FileInfoRecord
	r.Size = uint64(e.FileSize)
	r.Date = e.WriteDate
	r.Time = e.WriteTime
	r.Attr = e.Attribute

	short := shortNameString(e.Name)
	r.SetAltName(short)
	if e.ExtendedName != "" {
		r.SetName(e.ExtendedName)
	} else {
		r.SetName(short)
	}
	return r
}

// StatRecord is Stat for foreign language callers: the result is a fixed
// layout record instead of an os.FileInfo. The root directory has no
// directory entry and cannot be stated this way.
func (v *Volume) StatRecord(path string) (layout.FileInfoRecord, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.checkMounted(); err != nil {
		return layout.FileInfoRecord{}, err
	}

	obj, header, err := v.resolve(path)
	if err != nil {
		return layout.FileInfoRecord{}, err
	}
	if obj.root {
		return layout.FileInfoRecord{}, checkpoint.Wrap(fmt.Errorf("the root directory has no record"), ErrInvalidPath)
	}
	return fileInfoRecord(header), nil
}

// The flat functions below mirror the boundary surface on the Default
// manager: records and status codes in, no Go errors out.

// StatDefault stats path on the Default manager's volume.
func StatDefault(path string) (layout.FileInfoRecord, Status) {
	v := Default.Current()
	if v == nil {
		return layout.FileInfoRecord{}, StatusNotMounted
	}
	record, err := v.StatRecord(path)
	return record, StatusOf(err)
}

// ExistsDefault reports whether path exists on the Default manager's volume.
// It deliberately loses the error distinction: any failure reads as absent,
// matching callers which can only act on a boolean.
func ExistsDefault(path string) bool {
	v := Default.Current()
	if v == nil {
		return false
	}
	ok, err := v.Exists(path)
	return err == nil && ok
}
