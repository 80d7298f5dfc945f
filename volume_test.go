package fatvol

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ternfs/fatvol/blockdev"
)

// newTestVolume formats a fresh in-memory device and mounts it. The device
// is returned too so tests can poke at raw sectors or inject faults.
func newTestVolume(t *testing.T, sectors uint32, opts FormatOptions) (*Volume, *MountManager, *blockdev.MemDevice) {
	t.Helper()

	device := blockdev.NewMemDevice(512, sectors)
	if err := Format(device, opts); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	manager := &MountManager{}
	volume, err := manager.Mount(device)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return volume, manager, device
}

// tinyFAT12 is the geometry most tests run on: one sector per cluster, a 16
// entry root directory and exactly 10 data clusters.
func tinyFAT12(t *testing.T) (*Volume, *MountManager, *blockdev.MemDevice) {
	t.Helper()
	return newTestVolume(t, 14, FormatOptions{
		Label:             "TESTVOL",
		SectorsPerCluster: 1,
		RootEntryCount:    16,
	})
}

func TestParseBootSector(t *testing.T) {
	valid := func(t *testing.T) []byte {
		t.Helper()
		device := blockdev.NewMemDevice(512, 14)
		if err := Format(device, FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16}); err != nil {
			t.Fatalf("Format() error = %v", err)
		}
		return append([]byte(nil), device.Bytes()[:512]...)
	}

	tests := []struct {
		name       string
		corrupt    func(raw []byte)
		skipChecks bool
		wantErr    error
	}{
		{
			name:    "valid boot sector",
			corrupt: func(raw []byte) {},
		},
		{
			name:    "invalid jump instruction",
			corrupt: func(raw []byte) { raw[0] = 0x00 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:       "invalid jump instruction with skipped checks",
			corrupt:    func(raw []byte) { raw[0] = 0x00 },
			skipChecks: true,
		},
		{
			name:    "missing signature",
			corrupt: func(raw []byte) { raw[510] = 0 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:    "invalid sector size",
			corrupt: func(raw []byte) { raw[11] = 0x33 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:    "sectors per cluster not a power of two",
			corrupt: func(raw []byte) { raw[13] = 3 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:    "zero reserved sectors",
			corrupt: func(raw []byte) { raw[14], raw[15] = 0, 0 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:    "zero FATs",
			corrupt: func(raw []byte) { raw[16] = 0 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:    "invalid media value",
			corrupt: func(raw []byte) { raw[21] = 0x42 },
			wantErr: ErrCorruptVolume,
		},
		{
			name:       "invalid media value with skipped checks",
			corrupt:    func(raw []byte) { raw[21] = 0x42 },
			skipChecks: true,
		},
		{
			name: "zero total sectors",
			corrupt: func(raw []byte) {
				raw[19], raw[20] = 0, 0
				raw[32], raw[33], raw[34], raw[35] = 0, 0, 0, 0
			},
			wantErr: ErrCorruptVolume,
		},
		{
			name: "zero FAT size",
			corrupt: func(raw []byte) {
				raw[22], raw[23] = 0, 0
			},
			wantErr: ErrCorruptVolume,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := valid(t)
			tt.corrupt(raw)

			_, _, err := parseBootSector(raw, tt.skipChecks)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("parseBootSector() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBootSectorRoundTrip(t *testing.T) {
	_, _, device := tinyFAT12(t)
	raw := device.Bytes()[:512]

	bpb, _, err := parseBootSector(raw, false)
	if err != nil {
		t.Fatalf("parseBootSector() error = %v", err)
	}

	if diff := cmp.Diff(raw[:90], encodeBPB(bpb)); diff != "" {
		t.Errorf("encodeBPB() does not reproduce the boot sector (-want +got):\n%s", diff)
	}
}

func TestVolume_Geometry(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	info := volume.Info()
	if info.FSType != FAT12 {
		t.Errorf("FSType = %v, want FAT12", info.FSType)
	}
	if info.CountOfClusters != 10 {
		t.Errorf("CountOfClusters = %v, want 10", info.CountOfClusters)
	}
	if volume.Label() != "TESTVOL" {
		t.Errorf("Label() = %q, want TESTVOL", volume.Label())
	}

	free, err := volume.FreeClusterCount()
	if err != nil {
		t.Fatalf("FreeClusterCount() error = %v", err)
	}
	if free != 10 {
		t.Errorf("FreeClusterCount() = %v, want 10", free)
	}
}

func TestVolume_FATEntryRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		sectors uint32
		opts    FormatOptions
		want    FATType
	}{
		{
			name:    "FAT12",
			sectors: 14,
			opts:    FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16},
			want:    FAT12,
		},
		{
			name:    "FAT16",
			sectors: 4200,
			opts:    FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16},
			want:    FAT16,
		},
		{
			name:    "FAT32",
			sectors: 66600,
			opts:    FormatOptions{SectorsPerCluster: 1},
			want:    FAT32,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			volume, _, _ := newTestVolume(t, tt.sectors, tt.opts)
			if got := volume.FSType(); got != tt.want {
				t.Fatalf("FSType() = %v, want %v", got, tt.want)
			}

			// Odd and even clusters exercise both FAT12 nibble layouts; the
			// widely spread indices cross sector boundaries on FAT16/32.
			clusters := []uint32{2, 3, 4, 5, volume.info.maxCluster() - 1, volume.info.maxCluster()}
			values := []fatEntry{3, fatEntryEOC, 5, fatEntryBad, 2, fatEntryEOC}

			for i, cluster := range clusters {
				if err := volume.writeFATEntry(cluster, values[i]); err != nil {
					t.Fatalf("writeFATEntry(%d) error = %v", cluster, err)
				}
			}
			for i, cluster := range clusters {
				got, err := volume.readFATEntry(cluster)
				if err != nil {
					t.Fatalf("readFATEntry(%d) error = %v", cluster, err)
				}
				if got != values[i] {
					t.Errorf("readFATEntry(%d) = %#x, want %#x", cluster, got, values[i])
				}
			}
		})
	}
}

func TestVolume_FATMirroring(t *testing.T) {
	volume, _, device := tinyFAT12(t)

	if err := volume.writeFATEntry(2, fatEntryEOC); err != nil {
		t.Fatalf("writeFATEntry() error = %v", err)
	}
	if err := volume.syncVolume(); err != nil {
		t.Fatalf("syncVolume() error = %v", err)
	}

	info := volume.Info()
	raw := device.Bytes()
	first := raw[int(info.ReservedSectors)*512:]
	second := raw[(int(info.ReservedSectors)+int(info.FATSize))*512:]
	for i := 0; i < int(info.FATSize)*512; i++ {
		if first[i] != second[i] {
			t.Fatalf("FAT copies differ at byte %d: %#x != %#x", i, first[i], second[i])
		}
	}
}

func TestVolume_ClusterAt(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	head, err := volume.allocateChain(4)
	if err != nil {
		t.Fatalf("allocateChain() error = %v", err)
	}

	var pos clusterPos
	var walked []uint32
	for i := uint32(0); i < 4; i++ {
		cluster, err := volume.clusterAt(head, &pos, i)
		if err != nil {
			t.Fatalf("clusterAt(%d) error = %v", i, err)
		}
		walked = append(walked, cluster.Value())
	}

	// The position cache must give the same answer as a cold walk.
	for i := uint32(0); i < 4; i++ {
		cluster, err := volume.clusterAt(head, nil, i)
		if err != nil {
			t.Fatalf("clusterAt(%d) error = %v", i, err)
		}
		if cluster.Value() != walked[i] {
			t.Errorf("clusterAt(%d) = %d, want %d", i, cluster.Value(), walked[i])
		}
	}

	// Walking past the end reports corruption, not an endless loop.
	if _, err := volume.clusterAt(head, nil, 4); !errors.Is(err, ErrCorruptVolume) {
		t.Errorf("clusterAt() past the end error = %v, want %v", err, ErrCorruptVolume)
	}
}

func TestFATType_String(t *testing.T) {
	tests := []struct {
		t    FATType
		want string
	}{
		{FAT12, "FAT12"},
		{FAT16, "FAT16"},
		{FAT32, "FAT32"},
		{FATType(9), "FATType(9)"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("FATType.String() = %v, want %v", got, tt.want)
		}
	}
}

// A FAT12 volume near its size limit has cluster numbers in the 0xFF0
// range; they are ordinary chain members, not sentinels.
func TestVolume_FAT12HighClusters(t *testing.T) {
	volume, _, _ := newTestVolume(t, 4140, FormatOptions{SectorsPerCluster: 1})

	if volume.info.FSType != FAT12 {
		t.Fatalf("FSType = %v, want %v", volume.info.FSType, FAT12)
	}
	if max := volume.info.maxCluster(); max < 0xFF2 {
		t.Fatalf("maxCluster() = %d, want a volume reaching past 0xFF0", max)
	}

	if err := volume.writeFATEntry(2, fatEntry(0xFF0)); err != nil {
		t.Fatal(err)
	}
	if err := volume.writeFATEntry(0xFF0, fatEntryEOC); err != nil {
		t.Fatal(err)
	}

	next, err := volume.readFATEntry(2)
	if err != nil {
		t.Fatalf("readFATEntry(2) error = %v", err)
	}
	if !next.IsNextCluster() || next.Value() != 0xFF0 {
		t.Errorf("readFATEntry(2) = %#x, want the link to cluster 0xFF0", uint32(next))
	}

	length, err := volume.chainLength(fatEntry(2))
	if err != nil {
		t.Fatalf("chainLength() error = %v", err)
	}
	if length != 2 {
		t.Errorf("chainLength() = %d, want 2", length)
	}

	// The true sentinels of the same region still read as such.
	if err := volume.writeFATEntry(3, fatEntryBad); err != nil {
		t.Fatal(err)
	}
	entry, err := volume.readFATEntry(3)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsBad() {
		t.Errorf("readFATEntry(3) = %#x, want the bad cluster mark", uint32(entry))
	}
}
