package fatvol

import (
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestFs_Name(t *testing.T) {
	volume, _, _ := tinyFAT12(t)
	if got := volume.Name(); got != "fatvol" {
		t.Errorf("Fs.Name() = %v, want fatvol", got)
	}
}

func TestFs_CreateWriteRead(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	// 1500 bytes span three 512 byte clusters.
	payload := bytes.Repeat([]byte("fatvol test "), 125)

	file, err := volume.Create("/A.TXT")
	if err != nil {
		t.Fatalf("Fs.Create() error = %v", err)
	}
	if n, err := file.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("File.Write() = %v, %v, want %v, nil", n, err, len(payload))
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	free, err := volume.FreeClusterCount()
	if err != nil {
		t.Fatalf("FreeClusterCount() error = %v", err)
	}
	if free != 7 {
		t.Errorf("FreeClusterCount() after writing 1500 bytes = %v, want 7", free)
	}

	stat, err := volume.Stat("/A.TXT")
	if err != nil {
		t.Fatalf("Fs.Stat() error = %v", err)
	}
	if stat.Size() != int64(len(payload)) {
		t.Errorf("Stat().Size() = %v, want %v", stat.Size(), len(payload))
	}

	file, err = volume.Open("/A.TXT")
	if err != nil {
		t.Fatalf("Fs.Open() error = %v", err)
	}
	got, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("io.ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %d bytes differing from the written data", len(got))
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}
}

func TestFs_Truncate(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	payload := bytes.Repeat([]byte{0xAB}, 1500)
	if err := afero.WriteFile(volume, "/A.TXT", payload, 0o666); err != nil {
		t.Fatalf("afero.WriteFile() error = %v", err)
	}

	file, err := volume.OpenFile("/A.TXT", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Fs.OpenFile() error = %v", err)
	}
	if err := file.Truncate(100); err != nil {
		t.Fatalf("File.Truncate() error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	// 1500 bytes held three clusters, 100 bytes hold one: two came back.
	free, err := volume.FreeClusterCount()
	if err != nil {
		t.Fatalf("FreeClusterCount() error = %v", err)
	}
	if free != 9 {
		t.Errorf("FreeClusterCount() after truncating to 100 = %v, want 9", free)
	}

	got, err := afero.ReadFile(volume, "/A.TXT")
	if err != nil {
		t.Fatalf("afero.ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, payload[:100]) {
		t.Errorf("content after truncate = %v bytes, want the first 100 written bytes", len(got))
	}

	// Truncating to zero releases the chain entirely.
	file, err = volume.OpenFile("/A.TXT", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Fs.OpenFile() error = %v", err)
	}
	if err := file.Truncate(0); err != nil {
		t.Fatalf("File.Truncate(0) error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}
	if free, _ := volume.FreeClusterCount(); free != 10 {
		t.Errorf("FreeClusterCount() after truncating to 0 = %v, want 10", free)
	}
}

func TestFs_TruncateGrowZeroFills(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", []byte("abc"), 0o666); err != nil {
		t.Fatalf("afero.WriteFile() error = %v", err)
	}

	file, err := volume.OpenFile("/A.TXT", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Fs.OpenFile() error = %v", err)
	}
	if err := file.Truncate(600); err != nil {
		t.Fatalf("File.Truncate() error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	got, err := afero.ReadFile(volume, "/A.TXT")
	if err != nil {
		t.Fatalf("afero.ReadFile() error = %v", err)
	}
	want := append([]byte("abc"), make([]byte, 597)...)
	if !bytes.Equal(got, want) {
		t.Errorf("grown file is not zero filled")
	}
}

func TestFs_OpenFile(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, volume *Volume)
		path    string
		flag    int
		wantErr error
	}{
		{
			name:    "open missing file",
			prepare: func(t *testing.T, volume *Volume) {},
			path:    "/MISSING.TXT",
			flag:    os.O_RDONLY,
			wantErr: ErrNotFound,
		},
		{
			name:    "create missing file",
			prepare: func(t *testing.T, volume *Volume) {},
			path:    "/NEW.TXT",
			flag:    os.O_RDWR | os.O_CREATE,
		},
		{
			name: "exclusive create of an existing file",
			prepare: func(t *testing.T, volume *Volume) {
				if err := afero.WriteFile(volume, "/A.TXT", []byte("x"), 0o666); err != nil {
					t.Fatal(err)
				}
			},
			path:    "/A.TXT",
			flag:    os.O_RDWR | os.O_CREATE | os.O_EXCL,
			wantErr: ErrExists,
		},
		{
			name: "write access on a directory",
			prepare: func(t *testing.T, volume *Volume) {
				if err := volume.Mkdir("/DIR", 0o777); err != nil {
					t.Fatal(err)
				}
			},
			path:    "/DIR",
			flag:    os.O_RDWR,
			wantErr: ErrIsDirectory,
		},
		{
			name:    "name not expressible in 8.3",
			prepare: func(t *testing.T, volume *Volume) {},
			path:    "/a name with spaces.txt",
			flag:    os.O_RDWR | os.O_CREATE,
			wantErr: ErrInvalidPath,
		},
		{
			name:    "relative path component",
			prepare: func(t *testing.T, volume *Volume) {},
			path:    "/DIR/../A.TXT",
			flag:    os.O_RDONLY,
			wantErr: ErrInvalidPath,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			volume, _, _ := tinyFAT12(t)
			tt.prepare(t, volume)

			file, err := volume.OpenFile(tt.path, tt.flag, 0o666)
			if err == nil {
				defer file.Close()
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Fs.OpenFile() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFs_OpenFileTruncates(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", bytes.Repeat([]byte{1}, 1500), 0o666); err != nil {
		t.Fatalf("afero.WriteFile() error = %v", err)
	}

	file, err := volume.OpenFile("/A.TXT", os.O_RDWR|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("Fs.OpenFile() error = %v", err)
	}
	stat, err := file.Stat()
	if err != nil {
		t.Fatalf("File.Stat() error = %v", err)
	}
	if stat.Size() != 0 {
		t.Errorf("size after O_TRUNC = %v, want 0", stat.Size())
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	if free, _ := volume.FreeClusterCount(); free != 10 {
		t.Errorf("FreeClusterCount() after O_TRUNC = %v, want 10", free)
	}
}

func TestFs_Append(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/LOG.TXT", []byte("one\n"), 0o666); err != nil {
		t.Fatalf("afero.WriteFile() error = %v", err)
	}

	file, err := volume.OpenFile("/LOG.TXT", os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("Fs.OpenFile() error = %v", err)
	}
	if _, err := file.WriteString("two\n"); err != nil {
		t.Fatalf("File.WriteString() error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	got, err := afero.ReadFile(volume, "/LOG.TXT")
	if err != nil {
		t.Fatalf("afero.ReadFile() error = %v", err)
	}
	if string(got) != "one\ntwo\n" {
		t.Errorf("content = %q, want %q", got, "one\ntwo\n")
	}
}

func TestFs_Mkdir(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := volume.Mkdir("/DIR", 0o777); err != nil {
		t.Fatalf("Fs.Mkdir() error = %v", err)
	}
	if err := volume.Mkdir("/DIR", 0o777); !errors.Is(err, ErrExists) {
		t.Errorf("Fs.Mkdir() of existing directory error = %v, want %v", err, ErrExists)
	}
	if err := volume.Mkdir("/NO/SUB", 0o777); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fs.Mkdir() below missing parent error = %v, want %v", err, ErrNotFound)
	}

	stat, err := volume.Stat("/DIR")
	if err != nil {
		t.Fatalf("Fs.Stat() error = %v", err)
	}
	if !stat.IsDir() {
		t.Errorf("Stat().IsDir() = false, want true")
	}

	// A fresh directory holds only its "." and ".." entries, which stay
	// hidden from listings.
	dir, err := volume.Open("/DIR")
	if err != nil {
		t.Fatalf("Fs.Open() error = %v", err)
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("File.Readdirnames() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("fresh directory lists %v, want nothing", names)
	}
}

func TestFs_MkdirAll(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := volume.MkdirAll("/A/B/C", 0o777); err != nil {
		t.Fatalf("Fs.MkdirAll() error = %v", err)
	}
	// Idempotent on existing paths.
	if err := volume.MkdirAll("/A/B/C", 0o777); err != nil {
		t.Fatalf("Fs.MkdirAll() again error = %v", err)
	}

	if err := afero.WriteFile(volume, "/A/B/C/F.TXT", []byte("deep"), 0o666); err != nil {
		t.Fatalf("afero.WriteFile() error = %v", err)
	}
	got, err := afero.ReadFile(volume, "/A/B/C/F.TXT")
	if err != nil || string(got) != "deep" {
		t.Errorf("read in nested directory = %q, %v", got, err)
	}

	// A file in the middle of the path is refused.
	if err := volume.MkdirAll("/A/B/C/F.TXT/D", 0o777); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("Fs.MkdirAll() through a file error = %v, want %v", err, ErrNotADirectory)
	}
}

func TestFs_Remove(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", bytes.Repeat([]byte{1}, 600), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := volume.Mkdir("/DIR", 0o777); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(volume, "/DIR/B.TXT", []byte("b"), 0o666); err != nil {
		t.Fatal(err)
	}

	if err := volume.Remove("/DIR"); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("Fs.Remove() of non-empty directory error = %v, want %v", err, ErrNotEmpty)
	}
	if err := volume.Remove("/MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fs.Remove() of missing path error = %v, want %v", err, ErrNotFound)
	}

	if err := volume.Remove("/A.TXT"); err != nil {
		t.Fatalf("Fs.Remove() error = %v", err)
	}
	if _, err := volume.Stat("/A.TXT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fs.Stat() after remove error = %v, want %v", err, ErrNotFound)
	}

	if err := volume.Remove("/DIR/B.TXT"); err != nil {
		t.Fatalf("Fs.Remove() error = %v", err)
	}
	if err := volume.Remove("/DIR"); err != nil {
		t.Fatalf("Fs.Remove() of now empty directory error = %v", err)
	}

	// Everything is gone, so all clusters are free again.
	if free, _ := volume.FreeClusterCount(); free != 10 {
		t.Errorf("FreeClusterCount() = %v, want 10", free)
	}
}

func TestFs_RemoveAll(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := volume.MkdirAll("/A/B", 0o777); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(volume, "/A/F.TXT", []byte("f"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(volume, "/A/B/G.TXT", []byte("g"), 0o666); err != nil {
		t.Fatal(err)
	}

	if err := volume.RemoveAll("/A"); err != nil {
		t.Fatalf("Fs.RemoveAll() error = %v", err)
	}
	if _, err := volume.Stat("/A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fs.Stat() after RemoveAll error = %v, want %v", err, ErrNotFound)
	}
	if err := volume.RemoveAll("/A"); err != nil {
		t.Errorf("Fs.RemoveAll() of missing path error = %v, want nil", err)
	}
	if free, _ := volume.FreeClusterCount(); free != 10 {
		t.Errorf("FreeClusterCount() = %v, want 10", free)
	}
}

func TestFs_Rename(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", []byte("payload"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := volume.Mkdir("/DIR", 0o777); err != nil {
		t.Fatal(err)
	}

	if err := volume.Rename("/A.TXT", "/DIR/B.TXT"); err != nil {
		t.Fatalf("Fs.Rename() error = %v", err)
	}
	if _, err := volume.Stat("/A.TXT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still exists after rename")
	}
	got, err := afero.ReadFile(volume, "/DIR/B.TXT")
	if err != nil || string(got) != "payload" {
		t.Errorf("renamed file = %q, %v, want payload", got, err)
	}

	if err := afero.WriteFile(volume, "/C.TXT", []byte("c"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := volume.Rename("/C.TXT", "/DIR/B.TXT"); !errors.Is(err, ErrExists) {
		t.Errorf("Fs.Rename() onto existing target error = %v, want %v", err, ErrExists)
	}
	if err := volume.Rename("/MISSING", "/X"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fs.Rename() of missing source error = %v, want %v", err, ErrNotFound)
	}
	if err := volume.Rename("/DIR", "/DIR/SUB"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Fs.Rename() of a directory into itself error = %v, want %v", err, ErrInvalidPath)
	}
}

func TestFs_Readdir(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	for _, name := range []string{"/ONE.TXT", "/TWO.TXT"} {
		if err := afero.WriteFile(volume, name, []byte(name), 0o666); err != nil {
			t.Fatal(err)
		}
	}
	if err := volume.Mkdir("/SUB", 0o777); err != nil {
		t.Fatal(err)
	}

	root, err := volume.Open("/")
	if err != nil {
		t.Fatalf("Fs.Open(/) error = %v", err)
	}
	defer root.Close()

	names, err := root.Readdirnames(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("File.Readdirnames() error = %v", err)
	}
	// The volume label entry must stay invisible.
	want := []string{"ONE.TXT", "TWO.TXT", "SUB"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Readdirnames() = %v, want %v", names, want)
	}
}

func TestFs_Chtimes(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}

	mtime := time.Date(2021, time.April, 15, 12, 30, 12, 0, time.UTC)
	if err := volume.Chtimes("/A.TXT", mtime, mtime); err != nil {
		t.Fatalf("Fs.Chtimes() error = %v", err)
	}

	stat, err := volume.Stat("/A.TXT")
	if err != nil {
		t.Fatalf("Fs.Stat() error = %v", err)
	}
	if !stat.ModTime().Equal(mtime) {
		t.Errorf("ModTime() = %v, want %v", stat.ModTime(), mtime)
	}
}

func TestFs_ChmodChown(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := volume.Chmod("/A.TXT", 0o777); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Fs.Chmod() error = %v, want %v", err, ErrUnsupported)
	}
	if err := volume.Chown("/A.TXT", 0, 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Fs.Chown() error = %v, want %v", err, ErrUnsupported)
	}
}

func TestFs_Exists(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	if err := afero.WriteFile(volume, "/A.TXT", []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}

	ok, err := volume.Exists("/A.TXT")
	if err != nil || !ok {
		t.Errorf("Exists(/A.TXT) = %v, %v, want true, nil", ok, err)
	}
	ok, err = volume.Exists("/MISSING.TXT")
	if err != nil || ok {
		t.Errorf("Exists(/MISSING.TXT) = %v, %v, want false, nil", ok, err)
	}
	// A malformed path is an error, not a false.
	if _, err := volume.Exists("/../X"); err == nil {
		t.Errorf("Exists() with invalid path expected an error")
	}
}

func TestFs_NoSpace(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	// Ten clusters of 512 bytes exist; the eleventh cluster must fail.
	file, err := volume.Create("/BIG.BIN")
	if err != nil {
		t.Fatalf("Fs.Create() error = %v", err)
	}
	defer file.Close()

	if _, err := file.Write(make([]byte, 10*512)); err != nil {
		t.Fatalf("File.Write() filling the volume error = %v", err)
	}
	if _, err := file.Write([]byte{1}); !errors.Is(err, ErrNoSpace) {
		t.Errorf("File.Write() beyond the volume error = %v, want %v", err, ErrNoSpace)
	}
}

func TestFs_WriteSparseGap(t *testing.T) {
	volume, _, _ := tinyFAT12(t)

	file, err := volume.Create("/S.BIN")
	if err != nil {
		t.Fatalf("Fs.Create() error = %v", err)
	}
	if _, err := file.Write([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	// Seek past the end; the gap must read back as zeroes.
	if _, err := file.Seek(700, io.SeekStart); err != nil {
		t.Fatalf("File.Seek() error = %v", err)
	}
	if _, err := file.Write([]byte("yz")); err != nil {
		t.Fatalf("File.Write() after gap error = %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := afero.ReadFile(volume, "/S.BIN")
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 702)
	copy(want, "ab")
	copy(want[700:], "yz")
	if !bytes.Equal(got, want) {
		t.Errorf("sparse gap is not zero filled")
	}
}

func TestFs_RenameDirectoryUpdatesDotDot(t *testing.T) {
	volume, _, _ := newTestVolume(t, 64, FormatOptions{SectorsPerCluster: 1, RootEntryCount: 16})

	for _, dir := range []string{"/A", "/B", "/A/SUB"} {
		if err := volume.Mkdir(dir, 0o777); err != nil {
			t.Fatal(err)
		}
	}

	dotdotCluster := func(path string) fatEntry {
		t.Helper()
		_, header, err := volume.resolve(path)
		if err != nil {
			t.Fatal(err)
		}
		ref := slotRef{sector: volume.info.firstSectorOfCluster(header.FirstCluster().Value()), offset: entrySize}
		entry, err := volume.readEntryAt(ref)
		if err != nil {
			t.Fatal(err)
		}
		return entry.FirstCluster()
	}

	_, parent, err := volume.resolve("/B")
	if err != nil {
		t.Fatal(err)
	}

	if err := volume.Rename("/A/SUB", "/B/SUB"); err != nil {
		t.Fatalf("Fs.Rename() error = %v", err)
	}
	if got := dotdotCluster("/B/SUB"); got != parent.FirstCluster() {
		t.Errorf("\"..\" cluster after the move = %d, want %d", got.Value(), parent.FirstCluster().Value())
	}

	// Moving back directly under the root resets ".." to cluster 0.
	if err := volume.Rename("/B/SUB", "/SUB"); err != nil {
		t.Fatalf("Fs.Rename() error = %v", err)
	}
	if got := dotdotCluster("/SUB"); got != 0 {
		t.Errorf("\"..\" cluster under the root = %d, want 0", got.Value())
	}

	// A rename within the same directory leaves ".." alone.
	if err := volume.Rename("/SUB", "/SUB2"); err != nil {
		t.Fatalf("Fs.Rename() error = %v", err)
	}
	if got := dotdotCluster("/SUB2"); got != 0 {
		t.Errorf("\"..\" cluster after the in-place rename = %d, want 0", got.Value())
	}
}
