package device

import "testing"

func TestMemoryGeometry(t *testing.T) {
	dev := NewMemory(1<<20, 512)
	geo := dev.Geometry()
	if geo.PageSize != PageSize {
		t.Fatalf("want pagesize %d, got %d", PageSize, geo.PageSize)
	}
	if geo.PageCount != (1<<20)/PageSize {
		t.Fatalf("want pagecount %d, got %d", (1<<20)/PageSize, geo.PageCount)
	}
	if geo.DataPage <= 2 {
		t.Fatalf("datapage %d should be past the 2 header pages", geo.DataPage)
	}
}

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	dev := NewMemory(1<<20, 512)
	ioc, err := dev.IOCAlloc()
	if err != nil {
		t.Fatalf("ioc_alloc: %v", err)
	}
	defer dev.IOCFree(ioc)

	buf, pc, err := dev.PageAlloc(ioc, 4)
	if err != nil || pc != 4 {
		t.Fatalf("page_alloc: %v (pc=%d)", err, pc)
	}
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := dev.WriteAt(ioc, buf, 10, 4); err != nil {
		t.Fatalf("write_at: %v", err)
	}

	got := make([]byte, len(buf))
	if err := dev.ReadAt(ioc, got, 10, 4); err != nil {
		t.Fatalf("read_at: %v", err)
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d: want %d got %d", i, byte(i), got[i])
		}
	}
}

func TestMemoryOutOfBounds(t *testing.T) {
	dev := NewMemory(64*1024, 512)
	geo := dev.Geometry()
	ioc, _ := dev.IOCAlloc()
	defer dev.IOCFree(ioc)

	buf := make([]byte, PageSize)
	if err := dev.ReadAt(ioc, buf, geo.PageCount, 1); err == nil {
		t.Fatalf("reading past pagecount should fail")
	}
}
