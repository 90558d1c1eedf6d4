package unfs

import (
	"fmt"

	"github.com/deyohong/UNFS/device"
)

// Check is the destructive-free verifier of §4.5: it re-reads the header
// and bitmap, recomputes pagefree, validates the header invariant, then
// scans every entry (skipping delete-stack slots) asserting its slot and
// segment pages are marked used and its parent is a valid prefix. dev must
// already be open; Check takes and releases its own I/O contexts on it and
// does not close it. No Filesystem needs to be open.
func Check(dev device.Device) error {
	geo := dev.Geometry()
	ioc, err := dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.IOCFree(ioc)

	h, b, err := readHeaderAndBitmap(dev, ioc)
	if err != nil {
		return err
	}

	mapSize := (geo.PageCount - geo.DataPage + 63) >> 6
	pageFree := geo.PageCount - b.PopCount()
	if cString(h.Version[:]) != Version ||
		h.PageCount != geo.PageCount ||
		h.DataPage != geo.DataPage ||
		h.MapSize != mapSize ||
		h.PageFree != pageFree ||
		!h.Invariant() {
		return fmt.Errorf("%w: bad header (pagefree recomputed as %#x)", ErrIO, pageFree)
	}

	inDeleteStack := func(pa uint64) bool {
		for _, d := range h.DelStack {
			if d == pa {
				return true
			}
		}
		return false
	}

	niop, pc, err := dev.PageAlloc(ioc, FilePC)
	if err != nil || pc != FilePC {
		return fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
	}
	defer dev.PageFree(ioc, niop)
	pioc, err := dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.IOCFree(pioc)
	piop, pc2, err := dev.PageAlloc(pioc, FilePC)
	if err != nil || pc2 != FilePC {
		return fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
	}
	defer dev.PageFree(pioc, piop)

	pageSize := geo.PageSize
	pa := h.PageCount - FilePC
	for scanned := uint64(0); scanned < h.FDCount; pa -= FilePC {
		if inDeleteStack(pa) {
			continue
		}
		if err := dev.ReadAt(ioc, niop, pa, FilePC); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		pageid, parentid, _, _, segs := decodeNodeRecord(niop[:pageSize])
		name := decodeNamePage(niop[pageSize : 2*pageSize])

		if !b.IsSet(pageid, FilePC) {
			return fmt.Errorf("%w: %s page %#x bits not set", ErrIO, name, pageid)
		}
		for i, s := range segs {
			if !b.IsSet(s.PageID, uint32(s.PageCount)) {
				return fmt.Errorf("%w: %s segment[%d]=(%#x,%#x) bits not set", ErrIO, name, i, s.PageID, s.PageCount)
			}
		}

		if len(name) > 1 {
			if parentid <= h.FDNextPage || parentid >= h.PageCount {
				return fmt.Errorf("%w: %s has bad parentid %#x", ErrIO, name, parentid)
			}
			if err := dev.ReadAt(pioc, piop, parentid, FilePC); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			parentName := decodeNamePage(piop[pageSize : 2*pageSize])
			if !isChildOf(name, parentName) {
				return fmt.Errorf("%w: %s is not a child of %s", ErrIO, name, parentName)
			}
		}
		scanned++
	}

	return nil
}
