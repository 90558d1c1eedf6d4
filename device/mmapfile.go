//go:build linux || darwin

package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapFile backs a Device with a single mmap'd regular file or block
// special file. It is the "raw backend" of §6.1: a device name beginning
// with /dev/ (or any other path, for test harnesses) resolves to this
// backend. Modeled directly on the teacher's FileMMap
// (storage/mmap_unix.go): a single Mmap at open, Msync for durability, and
// Munmap at close. No finalizer is set, so the mapping is released only by
// Close.
type mmapFile struct {
	f    *os.File
	data []byte
	geo  Geometry

	mu       sync.Mutex
	nextCtx  IOContext
	contexts map[IOContext]struct{}
}

// OpenFile opens (or, if size is non-zero and the file does not yet exist or
// is smaller, creates/extends) a regular file or block device as a Device.
// size is the total byte length the backing store must cover; pass 0 to use
// an existing file's current size (the normal path for Open of an already
// formatted filesystem).
func OpenFile(path string, size int64, blockSize uint32) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDevice, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrDevice, path, err)
	}

	fileSize := fi.Size()
	if size == 0 {
		size = fileSize
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has no size and none was given", ErrDevice, path)
	}
	if fileSize < size {
		// Fallocate preallocates the backing store so every page address
		// this device will ever report is immediately mmap-safe; mirrors
		// the teacher's allocateBlock (storage/allocation.go), which
		// Fallocates each data block file to its full size up front.
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			if err := f.Truncate(size); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: grow %s: %v", ErrDevice, path, err)
			}
		}
	}

	if blockSize == 0 {
		blockSize = 512
	}
	pageCount := uint64(size) / PageSize
	bitsPerPage := uint64(8 * PageSize)
	dataPage := (pageCount+bitsPerPage-1)/bitsPerPage + 2 // 2 header pages, then the bitmap

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrDevice, path, err)
	}

	return &mmapFile{
		f:    f,
		data: data,
		geo: Geometry{
			BlockCount: uint64(size) / uint64(blockSize),
			BlockSize:  blockSize,
			PageCount:  pageCount,
			PageSize:   PageSize,
			DataPage:   dataPage,
		},
		contexts: make(map[IOContext]struct{}),
	}, nil
}

func (m *mmapFile) Geometry() Geometry { return m.geo }

func (m *mmapFile) Close() error {
	if m.data != nil {
		if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
			return fmt.Errorf("%w: msync: %v", ErrDevice, err)
		}
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("%w: munmap: %v", ErrDevice, err)
		}
		m.data = nil
	}
	return m.f.Close()
}

func (m *mmapFile) IOCAlloc() (IOContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCtx++
	ctx := m.nextCtx
	m.contexts[ctx] = struct{}{}
	return ctx, nil
}

func (m *mmapFile) IOCFree(ctx IOContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, ctx)
}

func (m *mmapFile) PageAlloc(ctx IOContext, pageCount uint32) ([]byte, uint32, error) {
	const maxPagesPerIO = 4096
	if pageCount > maxPagesPerIO {
		pageCount = maxPagesPerIO
	}
	return make([]byte, int(pageCount)*PageSize), pageCount, nil
}

func (m *mmapFile) PageFree(ctx IOContext, buf []byte) {}

func (m *mmapFile) span(pageAddr uint64, pageCount uint32) ([]byte, error) {
	off := pageAddr * PageSize
	n := uint64(pageCount) * PageSize
	if off+n > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: page range [%d,%d) out of bounds", ErrDevice, pageAddr, pageAddr+uint64(pageCount))
	}
	return m.data[off : off+n], nil
}

func (m *mmapFile) ReadAt(ctx IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	src, err := m.span(pageAddr, pageCount)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (m *mmapFile) WriteAt(ctx IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	dst, err := m.span(pageAddr, pageCount)
	if err != nil {
		return err
	}
	n := copy(dst, buf)
	return unix.Msync(dst[:n], unix.MS_ASYNC)
}
