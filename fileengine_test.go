package unfs

import (
	"bytes"
	"testing"
)

// rmwCase mirrors one row of the original read-modify-write test table
// (test/unfs_rmw_test.c's test_table): a file size, then a write at
// (offset, length) into an otherwise 0xFF-filled file.
type rmwCase struct {
	filesize uint64
	offset   uint64
	length   uint64
}

var rmwTable = []rmwCase{
	{1, 0, 1},
	{4000, 0, 4000},
	{4000, 0, 3999},
	{4000, 2001, 1999},
	{4000, 3000, 900},
	{8000, 0, 8000},
	{8000, 7999, 1},
	{8000, 2, 4094},
	{8000, 4096, 1},
	{8000, 4097, 3003},
	{12000, 0, 7000},
	{12000, 6000, 6000},
	{16000, 8192, 7000},
	{32768, 16382, 16384},
}

// TestReadModifyWriteTable covers scenario S6: fill a file with 0xFF,
// overwrite a sub-range with a distinct pattern, and verify every byte
// outside the range is untouched while every byte inside matches.
func TestReadModifyWriteTable(t *testing.T) {
	dev := newTestDevice(t, 16*1024*1024)
	if err := Format(dev, "rmw"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	for i, c := range rmwTable {
		name := string(rune('a' + i%26))
		path := "/" + name
		f, err := fs.FileOpen(path, OpenCreate|OpenExclusive)
		if err != nil {
			// names collide past 26 cases; reuse by removing first.
			if rerr := fs.Remove(path, false); rerr != nil {
				t.Fatalf("case %d: cleanup remove: %v", i, rerr)
			}
			f, err = fs.FileOpen(path, OpenCreate)
			if err != nil {
				t.Fatalf("case %d: file_open: %v", i, err)
			}
		}

		fill := byte(0xFF)
		if err := f.Resize(c.filesize, &fill); err != nil {
			t.Fatalf("case %d: resize: %v", i, err)
		}

		pattern := bytes.Repeat([]byte{0x5A}, int(c.length))
		if err := f.Write(pattern, c.offset); err != nil {
			t.Fatalf("case %d: write: %v", i, err)
		}

		got := make([]byte, c.filesize)
		if err := f.Read(got, 0); err != nil {
			t.Fatalf("case %d: read: %v", i, err)
		}
		for j := uint64(0); j < c.filesize; j++ {
			want := byte(0xFF)
			if j >= c.offset && j < c.offset+c.length {
				want = 0x5A
			}
			if got[j] != want {
				t.Fatalf("case %d (size=%d off=%d len=%d): byte %d = %#x, want %#x",
					i, c.filesize, c.offset, c.length, j, got[j], want)
			}
		}
		if err := f.Close(); err != nil {
			t.Fatalf("case %d: close: %v", i, err)
		}
	}
}

// TestMergeOnSegmentOverflow covers scenario S3: once a file has MaxDS
// segments, one more grow must merge them into a single contiguous segment
// without losing any previously written data.
func TestMergeOnSegmentOverflow(t *testing.T) {
	dev := newTestDevice(t, 256*1024*1024)
	if err := Format(dev, "merge"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	f, err := fs.FileOpen("/b", OpenCreate)
	if err != nil {
		t.Fatalf("file_open: %v", err)
	}
	defer f.Close()

	// Force MaxDS non-contiguous segments by alternately growing this file
	// and a throwaway sibling so each grow lands on a freshly disjoint run.
	sibling, err := fs.FileOpen("/sibling", OpenCreate)
	if err != nil {
		t.Fatalf("file_open sibling: %v", err)
	}
	defer sibling.Close()

	size := uint64(0)
	for i := 0; i < MaxDS; i++ {
		size += testPageSize
		if err := f.Resize(size, nil); err != nil {
			t.Fatalf("grow %d: %v", i, err)
		}
		if err := sibling.Resize(uint64(i+1)*testPageSize, nil); err != nil {
			t.Fatalf("sibling grow %d: %v", i, err)
		}
	}

	pattern := bytes.Repeat([]byte{0x37}, int(size))
	if err := f.Write(pattern, 0); err != nil {
		t.Fatalf("write before merge: %v", err)
	}

	if err := f.Resize(size+testPageSize, nil); err != nil {
		t.Fatalf("triggering grow: %v", err)
	}
	_, segs := f.FileStat()
	if len(segs) != 1 {
		t.Fatalf("want exactly 1 segment after merge, got %d", len(segs))
	}

	got := make([]byte, size)
	if err := f.Read(got, 0); err != nil {
		t.Fatalf("read after merge: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("data corrupted across merge")
	}
}
