package fatvol

import (
	"errors"
	"testing"

	"github.com/ternfs/fatvol/blockdev"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name        string
		sectors     uint32
		opts        FormatOptions
		wantType    FATType
		wantErr     error
		skipGeneric bool
	}{
		{
			name:     "tiny FAT12 volume",
			sectors:  14,
			opts:     FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16},
			wantType: FAT12,
		},
		{
			name:     "FAT12 with defaults",
			sectors:  2048, // 1M
			opts:     FormatOptions{},
			wantType: FAT12,
		},
		{
			name:     "FAT16 volume",
			sectors:  4200,
			opts:     FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16},
			wantType: FAT16,
		},
		{
			name:     "FAT32 volume",
			sectors:  66600,
			opts:     FormatOptions{SectorsPerCluster: 1},
			wantType: FAT32,
		},
		{
			name:     "labeled volume",
			sectors:  14,
			opts:     FormatOptions{Label: "MYDISK", SectorsPerCluster: 1, RootEntryCount: 16},
			wantType: FAT12,
		},
		{
			name:        "sectors per cluster not a power of two",
			sectors:     14,
			opts:        FormatOptions{SectorsPerCluster: 3},
			wantErr:     ErrInvalidPath,
			skipGeneric: true,
		},
		{
			name:        "label too long",
			sectors:     14,
			opts:        FormatOptions{Label: "WAYTOOLONGLABEL", SectorsPerCluster: 1, RootEntryCount: 16},
			wantErr:     ErrInvalidPath,
			skipGeneric: true,
		},
		{
			name:        "device too small",
			sectors:     2,
			opts:        FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16},
			wantErr:     ErrNoSpace,
			skipGeneric: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := blockdev.NewMemDevice(512, tt.sectors)

			err := Format(device, tt.opts)

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Format() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.skipGeneric {
				return
			}

			manager := &MountManager{}
			volume, err := manager.Mount(device)
			if err != nil {
				t.Fatalf("Mount() of the formatted volume error = %v", err)
			}
			if volume.FSType() != tt.wantType {
				t.Errorf("FSType() = %v, want %v", volume.FSType(), tt.wantType)
			}
			if tt.opts.Label != "" && volume.Label() != tt.opts.Label {
				t.Errorf("Label() = %q, want %q", volume.Label(), tt.opts.Label)
			}

			// A fresh volume is all free space and an empty root.
			root, err := volume.Open("/")
			if err != nil {
				t.Fatalf("Fs.Open(/) error = %v", err)
			}
			defer root.Close()
			names, err := root.Readdirnames(-1)
			if err != nil {
				t.Fatalf("Readdirnames() error = %v", err)
			}
			if len(names) != 0 {
				t.Errorf("fresh root lists %v, want nothing", names)
			}
		})
	}
}

func TestFormat_FSInfoSector(t *testing.T) {
	device := blockdev.NewMemDevice(512, 66600)
	if err := Format(device, FormatOptions{SectorsPerCluster: 1}); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	raw := device.Bytes()[512:1024]
	if got := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24; got != fsInfoLeadSignature {
		t.Errorf("FSInfo lead signature = %#x, want %#x", got, uint32(fsInfoLeadSignature))
	}
	if got := uint32(raw[484]) | uint32(raw[485])<<8 | uint32(raw[486])<<16 | uint32(raw[487])<<24; got != fsInfoStructSignature {
		t.Errorf("FSInfo struct signature = %#x, want %#x", got, uint32(fsInfoStructSignature))
	}

	// The backup boot sector must be a byte copy of the primary.
	primary := device.Bytes()[:512]
	backup := device.Bytes()[6*512 : 7*512]
	for i := range primary {
		if primary[i] != backup[i] {
			t.Fatalf("backup boot sector differs at byte %d", i)
		}
	}
}

func TestFormat_RootLabelEntry(t *testing.T) {
	volume, _, _ := newTestVolume(t, 14, FormatOptions{
		Label:             "MYDISK",
		SectorsPerCluster: 1,
		RootEntryCount:    16,
	})

	// The label lives in the root directory but never shows up in listings.
	root, err := volume.Open("/")
	if err != nil {
		t.Fatal(err)
	}
	defer root.Close()
	names, err := root.Readdirnames(-1)
	if err != nil {
		t.Fatalf("Readdirnames() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("root lists %v, want the label hidden", names)
	}

	// It occupies the first slot on disk though.
	entries, err := volume.readRoot()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("readRoot() = %d entries, want 0 visible", len(entries))
	}
}

func TestFormat_FAT32RootChainMark(t *testing.T) {
	volume, _, _ := newTestVolume(t, 66600, FormatOptions{})

	if volume.info.FSType != FAT32 {
		t.Fatalf("FSType = %v, want %v", volume.info.FSType, FAT32)
	}
	entry, err := volume.readFATEntry(volume.info.RootCluster)
	if err != nil {
		t.Fatalf("readFATEntry(root) error = %v", err)
	}
	if !entry.IsEOF() {
		t.Errorf("root cluster FAT entry = %#x, want end of chain", uint32(entry))
	}
}
