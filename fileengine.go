package unfs

import (
	"fmt"

	"github.com/deyohong/UNFS/device"
)

func (fs *Filesystem) pageCount(size uint64) uint64 {
	ps := uint64(fs.header.PageSize)
	return (size + ps - 1) / ps
}

// mergeSegments collapses every segment of n into a single new contiguous
// allocation sized to cover newSize, copying old data forward page by page
// and freeing the old segments. Triggered when a grow needs a new segment
// but the file is already at MaxDS (§4.3).
func (fs *Filesystem) mergeSegments(ioc device.IOContext, n *Node, newSize uint64) error {
	pc := fs.pageCount(newSize)
	dst, err := fs.bitmap.Alloc(uint32(pc))
	if err != nil {
		return err
	}

	const chunk = 256
	buf, actual, err := fs.dev.PageAlloc(ioc, chunk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.PageFree(ioc, buf)

	pa := dst
	for _, seg := range n.Segments {
		srcPA := seg.PageID
		remaining := seg.PageCount
		for remaining > 0 {
			pc := remaining
			if pc > uint64(actual) {
				pc = uint64(actual)
			}
			if err := fs.dev.ReadAt(ioc, buf, srcPA, uint32(pc)); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			if err := fs.dev.WriteAt(ioc, buf, pa, uint32(pc)); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			pa += pc
			srcPA += pc
			remaining -= pc
		}
		if err := fs.bitmap.Free(seg.PageID, uint32(seg.PageCount)); err != nil {
			return err
		}
	}

	n.Segments = []Segment{{PageID: dst, PageCount: pc}}
	n.Updated = true
	return nil
}

// resizeNode implements §4.3's resize contract: grow allocates new pages
// (merging segments first if MaxDS is reached), optionally filling the
// newly added bytes; shrink frees trailing pages, trimming or dropping
// segments from the end.
func (fs *Filesystem) resizeNode(ioc device.IOContext, n *Node, newSize uint64, fill *byte) error {
	oldSize := n.Size
	if oldSize == newSize {
		return nil
	}
	ps := uint64(fs.header.PageSize)

	if newSize > oldSize {
		if fill != nil {
			if zlen := oldSize & (ps - 1); zlen != 0 && len(n.Segments) > 0 {
				buf, actual, err := fs.dev.PageAlloc(ioc, 1)
				if err != nil || actual != 1 {
					return fmt.Errorf("%w: cannot allocate 1 page", ErrIO)
				}
				last := &n.Segments[len(n.Segments)-1]
				pa := last.PageID + last.PageCount - 1
				if err := fs.dev.ReadAt(ioc, buf, pa, 1); err != nil {
					fs.dev.PageFree(ioc, buf)
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				for i := zlen; i < ps; i++ {
					buf[i] = *fill
				}
				if err := fs.dev.WriteAt(ioc, buf, pa, 1); err != nil {
					fs.dev.PageFree(ioc, buf)
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				fs.dev.PageFree(ioc, buf)
			}
		}

		addpc := fs.pageCount(newSize) - fs.pageCount(oldSize)
		if addpc > 0 {
			var pageid uint64
			if len(n.Segments) < MaxDS {
				p, err := fs.bitmap.Alloc(uint32(addpc))
				if err != nil {
					return err
				}
				pageid = p
				if len(n.Segments) > 0 {
					last := &n.Segments[len(n.Segments)-1]
					if pageid == last.PageID+last.PageCount {
						last.PageCount += addpc
					} else {
						n.Segments = append(n.Segments, Segment{PageID: pageid, PageCount: addpc})
					}
				} else {
					n.Segments = append(n.Segments, Segment{PageID: pageid, PageCount: addpc})
				}
			} else {
				oldpc := fs.pageCount(oldSize)
				if err := fs.mergeSegments(ioc, n, newSize); err != nil {
					return err
				}
				pageid = n.Segments[0].PageID + oldpc
			}

			if fill != nil {
				const chunk = 256
				buf, actual, err := fs.dev.PageAlloc(ioc, chunk)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				for i := range buf {
					buf[i] = *fill
				}
				remaining := addpc
				pa := pageid
				for remaining > 0 {
					pc := remaining
					if pc > uint64(actual) {
						pc = uint64(actual)
					}
					if err := fs.dev.WriteAt(ioc, buf, pa, uint32(pc)); err != nil {
						fs.dev.PageFree(ioc, buf)
						return fmt.Errorf("%w: %v", ErrIO, err)
					}
					pa += pc
					remaining -= pc
				}
				fs.dev.PageFree(ioc, buf)
			}
		}
	} else {
		delpc := fs.pageCount(oldSize) - fs.pageCount(newSize)
		for delpc > 0 {
			last := &n.Segments[len(n.Segments)-1]
			if last.PageCount > delpc {
				last.PageCount -= delpc
				if err := fs.bitmap.Free(last.PageID+last.PageCount, uint32(delpc)); err != nil {
					return err
				}
				break
			}
			if err := fs.bitmap.Free(last.PageID, uint32(last.PageCount)); err != nil {
				return err
			}
			delpc -= last.PageCount
			n.Segments = n.Segments[:len(n.Segments)-1]
		}
	}

	n.Size = newSize
	n.Updated = true
	return nil
}

// rwNode issues page-aligned chunked I/O over a file's segments (§4.3):
// whole pages are transferred directly, a partial first or last page is
// read-modify-written.
func (fs *Filesystem) rwNode(ioc device.IOContext, n *Node, buf []byte, offset uint64, write bool) error {
	if len(buf) == 0 {
		return nil
	}
	ps := uint64(fs.header.PageSize)
	length := uint64(len(buf))

	segIdx := 0
	pageOff := offset / ps
	for pageOff >= n.Segments[segIdx].PageCount {
		pageOff -= n.Segments[segIdx].PageCount
		segIdx++
	}
	dspc := n.Segments[segIdx].PageCount - pageOff
	pa := n.Segments[segIdx].PageID + pageOff

	byteOff := offset & (ps - 1)
	pagecount := fs.pageCount(byteOff + length)
	endLen := (byteOff + length) & (ps - 1)

	const maxIOPages = 256
	iopc := (length / ps) + 2
	if iopc > maxIOPages {
		iopc = maxIOPages
	}
	iop, actual, err := fs.dev.PageAlloc(ioc, uint32(iopc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.PageFree(ioc, iop)

	bufOff := uint64(0)
	remaining := length
	for {
		pc := pagecount
		if pc > dspc {
			pc = dspc
		}
		if pc > uint64(actual) {
			pc = uint64(actual)
		}
		ioLen := (pc * ps) - byteOff
		if ioLen > remaining {
			ioLen = remaining
		}

		if write {
			miopOff := uint64(0)
			mbufOff := bufOff
			mlen := ioLen

			if byteOff != 0 {
				if err := fs.dev.ReadAt(ioc, iop, pa, 1); err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				navail := ps - byteOff
				localEnd := endLen
				if localEnd != 0 && pagecount == 1 {
					navail = remaining
					localEnd = 0
				}
				copy(iop[byteOff:byteOff+navail], buf[mbufOff:mbufOff+navail])
				miopOff += ps
				mbufOff += navail
				mlen -= navail
				endLen = localEnd
			}

			if endLen != 0 && pc == pagecount {
				last := (pc - 1) * ps
				if err := fs.dev.ReadAt(ioc, iop[last:last+ps], pa+pc-1, 1); err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				copy(iop[last:last+endLen], buf[bufOff+remaining-endLen:bufOff+remaining])
				mlen -= endLen
			}

			if mlen > 0 {
				copy(iop[miopOff:miopOff+mlen], buf[mbufOff:mbufOff+mlen])
			}
			if err := fs.dev.WriteAt(ioc, iop, pa, uint32(pc)); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
		} else {
			if err := fs.dev.ReadAt(ioc, iop, pa, uint32(pc)); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			copy(buf[bufOff:bufOff+ioLen], iop[byteOff:byteOff+ioLen])
		}

		remaining -= ioLen
		if remaining == 0 {
			break
		}
		pagecount -= pc
		byteOff = 0
		bufOff += ioLen
		if pc < dspc {
			pa += pc
			dspc -= pc
		} else {
			segIdx++
			pa = n.Segments[segIdx].PageID
			dspc = n.Segments[segIdx].PageCount
		}
	}
	return nil
}

// checksumNode computes the §4.3 rolling checksum over every data page of
// n in segment order: each byte contributes (remaining_size << 32) | byte.
func (fs *Filesystem) checksumNode(ioc device.IOContext, n *Node) (uint64, error) {
	var sum uint64
	buf, actual, err := fs.dev.PageAlloc(ioc, 1)
	if err != nil || actual != 1 {
		return 0, fmt.Errorf("%w: cannot allocate 1 page", ErrIO)
	}
	defer fs.dev.PageFree(ioc, buf)

	remaining := n.Size
	for _, seg := range n.Segments {
		pa := seg.PageID
		for p := uint64(0); p < seg.PageCount && remaining > 0; p++ {
			if err := fs.dev.ReadAt(ioc, buf, pa, 1); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrIO, err)
			}
			for _, b := range buf {
				sum += (remaining << 32) | uint64(b)
				remaining--
				if remaining == 0 {
					break
				}
			}
			pa++
		}
	}
	return sum, nil
}
