package unfs

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/deyohong/UNFS/device"
)

const testPageSize = 4096

func newTestDevice(t *testing.T, sizeBytes uint64) device.Device {
	t.Helper()
	return device.NewMemory(sizeBytes, 512)
}

// TestFormatAndReopen covers scenario S1: format a small backing, open it,
// and check the header reflects a filesystem containing only the root.
func TestFormatAndReopen(t *testing.T) {
	dev := newTestDevice(t, 64*1024*1024)
	if err := Format(dev, "test-label"); err != nil {
		t.Fatalf("format: %v", err)
	}

	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := fs.Stat()
	if h.DirCount != 1 || h.FDCount != 1 {
		t.Fatalf("want dircount=1 fdcount=1, got dircount=%d fdcount=%d", h.DirCount, h.FDCount)
	}
	if !h.Invariant() {
		t.Fatalf("header invariant violated after format: %+v", h)
	}
	exists, isdir, _ := fs.Exist("/")
	if !exists || !isdir {
		t.Fatalf("root should exist as a directory")
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// TestGrowAcrossSegment covers scenario S2: create a file, write into its
// first bytes, then grow it; bytes beyond the write must read back zero.
func TestGrowAcrossSegment(t *testing.T) {
	dev := newTestDevice(t, 64*1024*1024)
	if err := Format(dev, "grow"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	f, err := fs.FileOpen("/a", OpenCreate)
	if err != nil {
		t.Fatalf("file_open: %v", err)
	}
	defer f.Close()

	payload := bytes.Repeat([]byte{0xAB}, 32)
	if err := f.Write(payload, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Resize(8192, nil); err != nil {
		t.Fatalf("resize: %v", err)
	}

	buf := make([]byte, 8192)
	if err := f.Read(buf, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:32], payload) {
		t.Fatalf("first 32 bytes mismatch")
	}
	for i := 32; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d want 0 got %#x", i, buf[i])
		}
	}

	size, segs := f.FileStat()
	if size != 8192 {
		t.Fatalf("want size 8192, got %d", size)
	}
	if len(segs) != 1 {
		t.Fatalf("want 1 segment, got %d", len(segs))
	}
}

// TestRenameAcrossParents covers scenario S5.
func TestRenameAcrossParents(t *testing.T) {
	dev := newTestDevice(t, 64*1024*1024)
	if err := Format(dev, "rename"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	for _, name := range []string{"/x", "/y"} {
		if err := fs.Create(name, true, false); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := fs.Create("/x/f", false, false); err != nil {
		t.Fatalf("create /x/f: %v", err)
	}
	if err := fs.Rename("/x/f", "/y/f", false); err != nil {
		t.Fatalf("rename: %v", err)
	}

	_, _, xsize := fs.Exist("/x")
	_, _, ysize := fs.Exist("/y")
	if xsize != 0 || ysize != 1 {
		t.Fatalf("want x.size=0 y.size=1, got x=%d y=%d", xsize, ysize)
	}
	if exists, _, _ := fs.Exist("/y/f"); !exists {
		t.Fatalf("/y/f should exist after rename")
	}
	if exists, _, _ := fs.Exist("/x/f"); exists {
		t.Fatalf("/x/f should no longer exist")
	}
}

// TestRemoveBusyOnOpenFile asserts a file cannot be removed while open.
func TestRemoveBusyOnOpenFile(t *testing.T) {
	dev := newTestDevice(t, 32*1024*1024)
	if err := Format(dev, "busy"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	f, err := fs.FileOpen("/busy", OpenCreate)
	if err != nil {
		t.Fatalf("file_open: %v", err)
	}
	if err := fs.Remove("/busy", false); err != ErrBusy {
		t.Fatalf("want ErrBusy, got %v", err)
	}
	f.Close()
	if err := fs.Remove("/busy", false); err != nil {
		t.Fatalf("remove after close: %v", err)
	}
}

// TestCreateWithParents exercises pflag-driven intermediate directory
// creation.
func TestCreateWithParents(t *testing.T) {
	dev := newTestDevice(t, 32*1024*1024)
	if err := Format(dev, "pflag"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	if err := fs.Create("/a/b/c", false, true); err != nil {
		t.Fatalf("create with pflag: %v", err)
	}
	for _, name := range []string{"/a", "/a/b", "/a/b/c"} {
		if exists, _, _ := fs.Exist(name); !exists {
			t.Fatalf("%s should exist", name)
		}
	}
}

// TestDirList verifies children are reported with correct kind and size.
func TestDirList(t *testing.T) {
	dev := newTestDevice(t, 32*1024*1024)
	if err := Format(dev, "dirlist"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fs.Close()

	if err := fs.Create("/dir", true, false); err != nil {
		t.Fatalf("create /dir: %v", err)
	}
	if err := fs.Create("/dir/f1", false, false); err != nil {
		t.Fatalf("create /dir/f1: %v", err)
	}
	if err := fs.Create("/dir/f2", false, false); err != nil {
		t.Fatalf("create /dir/f2: %v", err)
	}

	entries, err := fs.DirList("/dir")
	if err != nil {
		t.Fatalf("dir_list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("want 2 entries, got %d", len(entries))
	}
}

// TestReopenRoundTrip exercises part of property 7: a file created before
// close must be found again, as a file, after reopening.
func TestReopenRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 32*1024*1024)
	if err := Format(dev, "roundtrip"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := fs.Create("/keep", false, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fs2, err := Open(dev)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fs2.Close()
	if exists, isdir, _ := fs2.Exist("/keep"); !exists || isdir {
		t.Fatalf("/keep should survive reopen as a file")
	}
}

// TestCheckOnFormattedVolume exercises the standalone verifier.
func TestCheckOnFormattedVolume(t *testing.T) {
	dev := newTestDevice(t, 16*1024*1024)
	if err := Format(dev, "check"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := fs.Create("/f", false, false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := Check(dev); err != nil {
		t.Fatalf("check: %v", err)
	}
}

// TestDeleteStackRollover covers scenario S4: once the delete stack fills to
// delmax, the next removal must relocate whatever entry currently occupies
// the newly-advanced fdnextpage into the freed slot rather than simply
// growing the stack past capacity. One extra file is created and left in
// place throughout: removing strictly in creation order otherwise always
// removes the very entry sitting at fdnextpage, which skips the relocation
// branch rather than exercising it, so a survivor below the removed batch is
// required to force a genuine relocation.
func TestDeleteStackRollover(t *testing.T) {
	dev := newTestDevice(t, 64*1024*1024)
	if err := Format(dev, "rollover"); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Open(dev)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	delmax := int(fs.Stat().DelMax)
	names := make([]string, delmax+2)
	for i := range names {
		names[i] = fmt.Sprintf("/f%d", i)
		if err := fs.Create(names[i], false, false); err != nil {
			t.Fatalf("create %s: %v", names[i], err)
		}
	}

	survivor := names[len(names)-1]
	survivorBefore := fs.index.Find(survivor)
	if survivorBefore == nil {
		t.Fatalf("%s should exist before rollover", survivor)
	}
	pageBefore := survivorBefore.PageID

	for i := 0; i < delmax+1; i++ {
		if err := fs.Remove(names[i], false); err != nil {
			t.Fatalf("remove %s (index %d): %v", names[i], i, err)
		}
	}

	h := fs.Stat()
	if h.DelCount != uint32(delmax) {
		t.Fatalf("delete stack should stay at capacity %d after rollover, got %d", delmax, h.DelCount)
	}
	survivorAfter := fs.index.Find(survivor)
	if survivorAfter == nil {
		t.Fatalf("%s should still exist after rollover", survivor)
	}
	if survivorAfter.PageID == pageBefore {
		t.Fatalf("surviving entry should have been relocated by the rollover, still at %#x", pageBefore)
	}
	if !h.Invariant() {
		t.Fatalf("header invariant violated after rollover: %+v", h)
	}

	if err := fs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Check(dev); err != nil {
		t.Fatalf("check after rollover: %v", err)
	}
}
