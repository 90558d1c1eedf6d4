package device

import (
	"fmt"
	"sync"
)

// memDevice is an in-memory Device backed by a plain byte slice instead of
// an mmap'd file. It exists for fast unit tests and fuzzing that should not
// pay for a real file descriptor; it implements the exact same contract as
// mmapFile so the core cannot tell the difference. Modeled on the thin
// passthrough wrapper style of a block cache sitting directly on a backing
// store (no buffering of its own, just bounds checks).
type memDevice struct {
	data []byte
	geo  Geometry

	mu      sync.Mutex
	nextCtx IOContext
}

// NewMemory creates an in-memory Device covering sizeBytes, computing
// geometry the same way OpenFile does for a real file.
func NewMemory(sizeBytes uint64, blockSize uint32) Device {
	if blockSize == 0 {
		blockSize = 512
	}
	pageCount := sizeBytes / PageSize
	bitsPerPage := uint64(8 * PageSize)
	dataPage := (pageCount+bitsPerPage-1)/bitsPerPage + 2 // 2 header pages, then the bitmap
	return &memDevice{
		data: make([]byte, sizeBytes),
		geo: Geometry{
			BlockCount: sizeBytes / uint64(blockSize),
			BlockSize:  blockSize,
			PageCount:  pageCount,
			PageSize:   PageSize,
			DataPage:   dataPage,
		},
	}
}

func (m *memDevice) Geometry() Geometry { return m.geo }

func (m *memDevice) Close() error { return nil }

func (m *memDevice) IOCAlloc() (IOContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCtx++
	return m.nextCtx, nil
}

func (m *memDevice) IOCFree(ctx IOContext) {}

func (m *memDevice) PageAlloc(ctx IOContext, pageCount uint32) ([]byte, uint32, error) {
	return make([]byte, int(pageCount)*PageSize), pageCount, nil
}

func (m *memDevice) PageFree(ctx IOContext, buf []byte) {}

func (m *memDevice) span(pageAddr uint64, pageCount uint32) ([]byte, error) {
	off := pageAddr * PageSize
	n := uint64(pageCount) * PageSize
	if off+n > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: page range [%d,%d) out of bounds", ErrDevice, pageAddr, pageAddr+uint64(pageCount))
	}
	return m.data[off : off+n], nil
}

func (m *memDevice) ReadAt(ctx IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	src, err := m.span(pageAddr, pageCount)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (m *memDevice) WriteAt(ctx IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	dst, err := m.span(pageAddr, pageCount)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}
