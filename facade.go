package unfs

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/deyohong/UNFS/device"
)

// OpenMode selects file_open behavior (§4.4's mode bitset).
type OpenMode uint32

const (
	OpenRW        OpenMode = 0x00
	OpenCreate    OpenMode = 0x01
	OpenReadOnly  OpenMode = 0x02
	OpenExclusive OpenMode = 0x40
)

// Filesystem is a handle to an open UNFS volume: the header, bitmap, and
// name index, guarded by one filesystem-wide lock, plus the device the
// core talks to exclusively through the Device contract (§3 "Filesystem
// State"). Lock order is always fs.mu before any node's own lock (§5);
// functions holding a node lock release it before acquiring fs.mu.
type Filesystem struct {
	mu sync.RWMutex

	dev    device.Device
	header *Header
	bitmap *Bitmap
	index  *NameIndex

	fsid uint64
	open int32
}

func readHeaderAndBitmap(dev device.Device, ioc device.IOContext) (*Header, *Bitmap, error) {
	geo := dev.Geometry()
	buf, actual, err := dev.PageAlloc(ioc, uint32(geo.DataPage))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.PageFree(ioc, buf)
	if uint64(actual) < geo.DataPage {
		return nil, nil, fmt.Errorf("%w: backend cannot service a %d page header+bitmap read in one call", ErrIO, geo.DataPage)
	}
	if err := dev.ReadAt(ioc, buf, 0, uint32(geo.DataPage)); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	h, err := Decode(buf[:HeadPC*geo.PageSize])
	if err != nil {
		return nil, nil, err
	}
	mapBuf := buf[HeadPC*geo.PageSize:]
	words := make([]uint64, h.MapSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(mapBuf[i*8:])
	}
	return h, LoadBitmap(h, words), nil
}

func writeHeaderAndBitmap(dev device.Device, ioc device.IOContext, h *Header, b *Bitmap) error {
	geo := dev.Geometry()
	buf, actual, err := dev.PageAlloc(ioc, uint32(geo.DataPage))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.PageFree(ioc, buf)
	if uint64(actual) < geo.DataPage {
		return fmt.Errorf("%w: backend cannot service a %d page header+bitmap write in one call", ErrIO, geo.DataPage)
	}
	if err := h.Encode(buf[:HeadPC*geo.PageSize]); err != nil {
		return err
	}
	mapBuf := buf[HeadPC*geo.PageSize:]
	for i, w := range b.Words() {
		binary.LittleEndian.PutUint64(mapBuf[i*8:], w)
	}
	return dev.WriteAt(ioc, buf, 0, uint32(geo.DataPage))
}

// Format initializes an empty filesystem on dev: header, free bitmap, and
// a root directory `/`, then closes its own handle on return.
func Format(dev device.Device, label string) error {
	geo := dev.Geometry()
	h := NewHeader()
	h.SetLabel(label)
	copy(h.Version[:], Version)
	h.BlockCount = geo.BlockCount
	h.BlockSize = geo.BlockSize
	h.PageCount = geo.PageCount
	h.PageSize = geo.PageSize
	h.DataPage = geo.DataPage
	h.PageFree = geo.PageCount
	h.FDNextPage = geo.PageCount - FilePC
	h.FDCount = 0
	h.DirCount = 0
	h.MapSize = (geo.PageCount - geo.DataPage + 63) >> 6

	b := NewBitmap(h)

	ioc, err := dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.IOCFree(ioc)

	root := newNode("/", true, nil)
	slot, err := (&Filesystem{header: h, bitmap: b}).allocEntrySlot(true)
	if err != nil {
		return err
	}
	root.PageID = slot

	buf, pc, err := dev.PageAlloc(ioc, FilePC)
	if err != nil || pc != FilePC {
		return fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
	}
	root.encodeRecord(buf[:geo.PageSize])
	if err := encodeNamePage(buf[geo.PageSize:2*geo.PageSize], "/"); err != nil {
		dev.PageFree(ioc, buf)
		return err
	}
	if err := dev.WriteAt(ioc, buf, root.PageID, FilePC); err != nil {
		dev.PageFree(ioc, buf)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	dev.PageFree(ioc, buf)

	return writeHeaderAndBitmap(dev, ioc, h, b)
}

// Open reads the header and bitmap, validates them, and rebuilds the name
// index by scanning the entry region downward from pagecount-FilePC,
// skipping delete-stack slots (§4.4).
func Open(dev device.Device) (*Filesystem, error) {
	geo := dev.Geometry()
	ioc, err := dev.IOCAlloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer dev.IOCFree(ioc)

	h, b, err := readHeaderAndBitmap(dev, ioc)
	if err != nil {
		return nil, err
	}

	mapSize := (geo.PageCount - geo.DataPage + 63) >> 6
	pageFree := geo.PageCount - b.PopCount()
	if cString(h.Version[:]) != Version ||
		h.PageCount != geo.PageCount ||
		h.DataPage != geo.DataPage ||
		h.MapSize != mapSize ||
		h.PageFree != pageFree ||
		!h.Invariant() {
		return nil, fmt.Errorf("%w: inconsistent header", ErrIO)
	}

	fs := &Filesystem{
		dev:    dev,
		header: h,
		bitmap: b,
		index:  NewNameIndex(),
	}

	inDeleteStack := func(pa uint64) bool {
		for _, d := range h.DelStack {
			if d == pa {
				return true
			}
		}
		return false
	}

	buf, pc, err := dev.PageAlloc(ioc, FilePC)
	if err != nil || pc != FilePC {
		return nil, fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
	}
	defer dev.PageFree(ioc, buf)

	pageSize := geo.PageSize
	pa := h.PageCount - FilePC
	for scanned := uint64(0); scanned < h.FDCount; pa -= FilePC {
		if inDeleteStack(pa) {
			continue
		}
		if err := dev.ReadAt(ioc, buf, pa, FilePC); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		pageid, parentid, size, isdir, segs := decodeNodeRecord(buf[:pageSize])
		name := decodeNamePage(buf[pageSize : 2*pageSize])

		if existing := fs.index.Find(name); existing != nil {
			if existing.IsDir && existing.PageID == 0 {
				existing.PageID = pageid
				existing.ParentID = parentid
				existing.Size = size
			} else {
				return nil, fmt.Errorf("%w: %s loaded at %#x seen again at %#x", ErrIO, name, existing.PageID, pageid)
			}
		} else {
			var parent *Node
			if len(name) > 1 {
				parent = fs.addParents(name)
			}
			n := newNode(name, isdir, parent)
			n.PageID = pageid
			n.ParentID = parentid
			n.Size = size
			n.Segments = segs
			fs.index.Put(n)
		}
		scanned++
	}

	for _, n := range fs.unresolvedDirs() {
		return nil, fmt.Errorf("%w: directory %s never resolved", ErrIO, n.Name)
	}

	fs.fsid++
	fs.open++
	return fs, nil
}

func (fs *Filesystem) unresolvedDirs() []*Node {
	var bad []*Node
	fs.index.Walk(func(n *Node) bool {
		if n.IsDir && n.PageID == 0 {
			bad = append(bad, n)
		}
		return true
	})
	return bad
}

// Close syncs the header and bitmap and releases the device.
func (fs *Filesystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.sync(); err != nil {
		return err
	}
	fs.open--
	if fs.open <= 0 {
		return fs.dev.Close()
	}
	return nil
}

// sync writes the header and the whole bitmap, then resets both dirty
// ranges (§4.1). The dirty ranges do not narrow what is written: the full
// bitmap span is rewritten on every sync.
func (fs *Filesystem) sync() error {
	ioc, err := fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.IOCFree(ioc)

	if err := writeHeaderAndBitmap(fs.dev, ioc, fs.header, fs.bitmap); err != nil {
		return err
	}
	fs.bitmap.ResetDirty()
	return nil
}

// Create makes a file or directory at name, idempotently: if it already
// exists, Create returns nil. With pflag, missing intermediate directories
// are created along the way.
func (fs *Filesystem) Create(name string, isdir bool, pflag bool) error {
	if !validateName(name) {
		return ErrInvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if pflag {
		return fs.createWithParents(name, isdir)
	}
	if fs.index.Find(name) != nil {
		return nil
	}
	_, err := fs.createNode(name, isdir)
	return err
}

func (fs *Filesystem) createWithParents(name string, leafIsDir bool) error {
	segs := splitPath(name)
	path := ""
	for i, s := range segs {
		path += "/" + s
		isdir := leafIsDir || i != len(segs)-1
		if fs.index.Find(path) == nil {
			if _, err := fs.createNode(path, isdir); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitPath(name string) []string {
	var segs []string
	cur := ""
	for i := 1; i < len(name); i++ {
		if name[i] == '/' {
			segs = append(segs, cur)
			cur = ""
		} else {
			cur += string(name[i])
		}
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

// createNode allocates a slot, registers the node in the index, and syncs
// both the new node and its parent's updated child count.
func (fs *Filesystem) createNode(name string, isdir bool) (*Node, error) {
	parent := fs.findParentNode(name)
	if parent == nil {
		return nil, fmt.Errorf("%w: parent of %s does not exist", ErrInvalidArgument, name)
	}

	pageid, err := fs.allocEntrySlot(isdir)
	if err != nil {
		return nil, err
	}
	n := newNode(name, isdir, parent)
	n.PageID = pageid
	n.ParentID = parent.PageID
	fs.index.Put(n)
	parent.Size++

	ioc, err := fs.dev.IOCAlloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.IOCFree(ioc)
	if err := fs.syncNode(ioc, parent); err != nil {
		return nil, err
	}
	if err := fs.syncNode(ioc, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Remove deletes a file or empty directory that is not open.
func (fs *Filesystem) Remove(name string, isdir bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.index.Find(name)
	if n == nil || n.IsDir != isdir {
		return ErrNotFound
	}
	if n.Open > 0 || (isdir && n.Size != 0) {
		return ErrBusy
	}

	ioc, err := fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.IOCFree(ioc)
	return fs.removeNode(ioc, n)
}

// removeNode deletes nodep from the index, frees its data segments, frees
// its entry slot, and if the slot freed was "pending" (delete stack full),
// relocates whatever entry now sits at fdnextpage into the vacated slot,
// re-syncing every child if that entry was a directory (§4.2, §9).
func (fs *Filesystem) removeNode(ioc device.IOContext, n *Node) error {
	fs.index.Remove(n.Name)
	n.Parent.Size--
	if err := fs.syncNode(ioc, n.Parent); err != nil {
		return err
	}

	if !n.IsDir {
		for _, s := range n.Segments {
			if err := fs.bitmap.Free(s.PageID, uint32(s.PageCount)); err != nil {
				return err
			}
		}
	}

	pending, err := fs.freeEntrySlot(n)
	if err != nil {
		return err
	}
	if pending {
		log.Printf("unfs: delete stack full, relocating entry for %s", n.Name)
		geo := fs.dev.Geometry()
		buf, pc, err := fs.dev.PageAlloc(ioc, FilePC)
		if err != nil || pc != FilePC {
			return fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
		}
		defer fs.dev.PageFree(ioc, buf)
		if err := fs.dev.ReadAt(ioc, buf, fs.header.FDNextPage, FilePC); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		name := decodeNamePage(buf[geo.PageSize : 2*geo.PageSize])
		moved := fs.index.Find(name)
		if moved == nil {
			return fmt.Errorf("%w: relocation target %s not in index", ErrIO, name)
		}
		moved.PageID = n.PageID
		moved.encodeRecord(buf[:geo.PageSize])
		if err := fs.dev.WriteAt(ioc, buf, n.PageID, FilePC); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if moved.IsDir {
			// buf is still outstanding on ioc, so the child syncs use a
			// context of their own.
			cioc, err := fs.dev.IOCAlloc()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			defer fs.dev.IOCFree(cioc)
			if err := fs.updateChildren(cioc, moved); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rename moves src to dst, optionally overwriting an existing dst, under
// the filesystem write lock (§4.4).
func (fs *Filesystem) Rename(src, dst string, override bool) error {
	if src == "/" {
		return ErrInvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	srcNode := fs.index.Find(src)
	if srcNode == nil {
		return ErrNotFound
	}
	if srcNode.Open > 0 || (srcNode.IsDir && srcNode.Size != 0) {
		return ErrBusy
	}
	dstParent := fs.findParentNode(dst)
	if dstParent == nil {
		return ErrInvalidArgument
	}

	ioc, err := fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.IOCFree(ioc)

	if dstNode := fs.index.Find(dst); dstNode != nil {
		if !override {
			return ErrExists
		}
		if dstNode.Open > 0 || (dstNode.IsDir && dstNode.Size != 0) {
			return ErrBusy
		}
		if err := fs.removeNode(ioc, dstNode); err != nil {
			return err
		}
	}

	srcParent := srcNode.Parent
	oldName := srcNode.Name
	fs.index.Remove(oldName)
	srcNode.Name = dst
	srcNode.Parent = dstParent
	srcNode.ParentID = dstParent.PageID
	fs.index.Put(srcNode)

	if err := fs.syncNode(ioc, srcNode); err != nil {
		return err
	}
	if srcParent != dstParent {
		srcParent.Size--
		if err := fs.syncNode(ioc, srcParent); err != nil {
			return err
		}
		dstParent.Size++
		if err := fs.syncNode(ioc, dstParent); err != nil {
			return err
		}
	}
	return nil
}

// Exist reports whether name is present and, if so, its kind and size.
func (fs *Filesystem) Exist(name string) (exists, isdir bool, size uint64) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n := fs.index.Find(name)
	if n == nil {
		return false, false, 0
	}
	return true, n.IsDir, n.Size
}

// Stat returns a copy of the current header.
func (fs *Filesystem) Stat() Header {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return *fs.header
}

// DirEntry is one row of a DirList result.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint64
}

// DirList returns the immediate children of a directory.
func (fs *Filesystem) DirList(name string) ([]DirEntry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n := fs.index.Find(name)
	if n == nil || !n.IsDir {
		return nil, ErrNotFound
	}
	children := fs.index.Children(name)
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		out = append(out, DirEntry{Name: c.Name, IsDir: c.IsDir, Size: c.Size})
	}
	return out, nil
}

// File is an open file descriptor referencing a node with an explicit open
// count (§3 "a file descriptor holds a weak reference to a node").
type File struct {
	fs   *Filesystem
	node *Node
	mode OpenMode
}

// FileOpen opens or creates a file per mode (§4.4's open-mode semantics):
// EXCLUSIVE fails with busy if already open; CREATE makes it if missing;
// otherwise the file must already exist.
func (fs *Filesystem) FileOpen(name string, mode OpenMode) (*File, error) {
	if !validateName(name) {
		return nil, ErrInvalidArgument
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.index.Find(name)
	if n != nil {
		n.mu.Lock()
		if mode&OpenExclusive != 0 && n.Open > 0 {
			n.mu.Unlock()
			return nil, ErrBusy
		}
		n.Open++
		n.mu.Unlock()
	} else {
		if mode&OpenCreate == 0 {
			return nil, ErrNotFound
		}
		created, err := fs.createNode(name, false)
		if err != nil {
			return nil, err
		}
		created.Open++
		n = created
	}
	return &File{fs: fs, node: n, mode: mode}, nil
}

// Close decrements the open count and, if the node was modified, syncs it
// and the header to disk.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.node.Open == 0 {
		return ErrInvalidHandle
	}
	f.node.Open--
	if f.node.Updated {
		return f.syncLocked()
	}
	return nil
}

// Sync flushes a modified, still-open file's node and header to disk.
func (f *File) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.node.Open == 0 {
		return ErrInvalidHandle
	}
	if !f.node.Updated {
		return nil
	}
	return f.syncLocked()
}

// syncLocked assumes both f.fs.mu and f.node.mu are already held by the
// caller, acquired in that order.
func (f *File) syncLocked() error {
	ioc, err := f.fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.fs.dev.IOCFree(ioc)
	if err := f.fs.syncNode(ioc, f.node); err != nil {
		return err
	}
	if err := writeHeaderAndBitmap(f.fs.dev, ioc, f.fs.header, f.fs.bitmap); err != nil {
		return err
	}
	f.fs.bitmap.ResetDirty()
	return nil
}

// Name returns the file's canonical name.
func (f *File) Name() string {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return f.node.Name
}

// FileStat returns a file's size and segment list.
func (f *File) FileStat() (size uint64, segments []Segment) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return f.node.Size, append([]Segment(nil), f.node.Segments...)
}

// Resize grows or shrinks the file to size, optionally filling newly added
// bytes with *fill.
func (f *File) Resize(size uint64, fill *byte) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.node.Open == 0 {
		return ErrInvalidHandle
	}

	ioc, err := f.fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.fs.dev.IOCFree(ioc)
	return f.fs.resizeNode(ioc, f.node, size, fill)
}

// Read reads len(buf) bytes starting at offset; offset+len(buf) must not
// exceed the file's current size.
func (f *File) Read(buf []byte, offset uint64) error {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	if f.node.Open == 0 {
		return ErrInvalidHandle
	}
	if offset+uint64(len(buf)) > f.node.Size {
		return ErrInvalidArgument
	}
	ioc, err := f.fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.fs.dev.IOCFree(ioc)
	return f.fs.rwNode(ioc, f.node, buf, offset, false)
}

// Write writes buf at offset, resizing the file first (without a fill
// pattern) if the write would extend it.
func (f *File) Write(buf []byte, offset uint64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	f.node.mu.Lock()
	defer f.node.mu.Unlock()
	if f.node.Open == 0 {
		return ErrInvalidHandle
	}

	newSize := offset + uint64(len(buf))
	ioc, err := f.fs.dev.IOCAlloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.fs.dev.IOCFree(ioc)

	if newSize > f.node.Size {
		if err := f.fs.resizeNode(ioc, f.node, newSize, nil); err != nil {
			return err
		}
	}
	return f.fs.rwNode(ioc, f.node, buf, offset, true)
}

// Checksum computes the file's deterministic (non-cryptographic) checksum.
func (f *File) Checksum() (uint64, error) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	if f.node.Open == 0 {
		return 0, ErrInvalidHandle
	}
	ioc, err := f.fs.dev.IOCAlloc()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.fs.dev.IOCFree(ioc)
	return f.fs.checksumNode(ioc, f.node)
}
