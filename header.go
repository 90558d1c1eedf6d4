package unfs

import (
	"encoding/binary"
	"fmt"
)

// HeadPA is the page address of the header.
const HeadPA = 0

// HeadPC is the number of pages the header occupies (pages 0-1).
const HeadPC = 2

// FilePC is the page count of one file/directory entry (node page + name page).
const FilePC = 2

// Version is the on-disk format tag written by Format and checked by Open.
const Version = "UNFS-1.0"

const (
	labelSize   = 64
	versionSize = 16
	// headerFixedSize is the byte offset of the delete stack within the
	// encoded header: everything before it is fixed-size scalar fields.
	headerFixedSize = labelSize + versionSize + 8*5 + 4*2 + 8*4
)

// Header is the persistent filesystem header stored in pages 0-1. It mirrors
// unfs_header_t: fixed scalar fields followed by a delete stack of vacated
// file-entry slot addresses, bounded by DelMax so the whole thing fits in
// HeadPC pages.
type Header struct {
	Label      [labelSize]byte
	Version    [versionSize]byte
	BlockCount uint64
	PageCount  uint64
	PageFree   uint64
	BlockSize  uint32
	PageSize   uint32
	DataPage   uint64
	FDNextPage uint64
	FDCount    uint64
	DirCount   uint64
	MapSize    uint64
	DelMax     uint32
	DelCount   uint32
	DelStack   []uint64
}

// NewHeader computes DelMax from HeadPC*PageSize and allocates a zeroed
// delete stack of that capacity.
func NewHeader() *Header {
	delMax := uint32((HeadPC*4096 - headerFixedSize) / 8)
	return &Header{DelMax: delMax, DelStack: make([]uint64, 0, delMax)}
}

func (h *Header) label() string {
	return cString(h.Label[:])
}

func (h *Header) version() string {
	return cString(h.Version[:])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetLabel truncates to labelSize-1 bytes, leaving room for the NUL terminator.
func (h *Header) SetLabel(label string) {
	var buf [labelSize]byte
	n := copy(buf[:labelSize-1], label)
	_ = n
	h.Label = buf
}

// Encode serializes the header into a HeadPC*PageSize buffer, little-endian,
// matching the on-disk layout read back by Decode.
func (h *Header) Encode(buf []byte) error {
	need := HeadPC * int(h.PageSize)
	if h.PageSize == 0 {
		need = HeadPC * 4096
	}
	if len(buf) < need {
		return fmt.Errorf("unfs: header buffer too small (%d < %d)", len(buf), need)
	}
	copy(buf[0:labelSize], h.Label[:])
	copy(buf[labelSize:labelSize+versionSize], h.Version[:])
	o := labelSize + versionSize
	binary.LittleEndian.PutUint64(buf[o:], h.BlockCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.PageCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.PageFree)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], h.BlockSize)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.PageSize)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], h.DataPage)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.FDNextPage)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.FDCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.DirCount)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], h.MapSize)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], h.DelMax)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.DelCount)
	o += 4
	if o != headerFixedSize {
		return fmt.Errorf("unfs: header layout drift (%d != %d)", o, headerFixedSize)
	}
	for i := uint32(0); i < h.DelCount; i++ {
		binary.LittleEndian.PutUint64(buf[o+int(i)*8:], h.DelStack[i])
	}
	return nil
}

// Decode reads a header previously written by Encode.
func Decode(buf []byte) (*Header, error) {
	if len(buf) < headerFixedSize {
		return nil, fmt.Errorf("unfs: header buffer too small to decode")
	}
	h := &Header{}
	copy(h.Label[:], buf[0:labelSize])
	copy(h.Version[:], buf[labelSize:labelSize+versionSize])
	o := labelSize + versionSize
	h.BlockCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.PageCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.PageFree = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.BlockSize = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.PageSize = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.DataPage = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.FDNextPage = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.FDCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.DirCount = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.MapSize = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.DelMax = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.DelCount = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.DelStack = make([]uint64, h.DelCount, h.DelMax)
	for i := uint32(0); i < h.DelCount; i++ {
		h.DelStack[i] = binary.LittleEndian.Uint64(buf[o+int(i)*8:])
	}
	return h, nil
}

// Invariant checks the §8.1 header equation:
// fdnextpage + (fdcount + delcount + 1) * FilePC == pagecount.
func (h *Header) Invariant() bool {
	return h.FDNextPage+(h.FDCount+uint64(h.DelCount)+1)*FilePC == h.PageCount
}
