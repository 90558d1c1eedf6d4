package unfs

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/deyohong/UNFS/device"
)

// nodeRecordFixed is the byte size of a node record's scalar fields
// (pageid, parentid, size, isdir, dscount), before the segment array.
const nodeRecordFixed = 8 + 8 + 8 + 4 + 4

// segmentSize is the encoded byte size of one Segment (pageid, pagecount).
const segmentSize = 16

// MaxDS is the maximum number of segments a single file can hold before a
// grow must merge them into one contiguous allocation (§4.3).
const MaxDS = (4096 - nodeRecordFixed) / segmentSize

// Segment is a contiguous run of pages owned by one file.
type Segment struct {
	PageID    uint64
	PageCount uint64
}

// Node is the in-memory file or directory record (§3 "In-memory Node"): the
// persistent fields plus a parent pointer, a per-node lock, an open count,
// and a dirty flag. Directory nodes carry no segments; their Size is a
// child count rather than a byte count (§9 "Directory size").
type Node struct {
	mu sync.RWMutex

	Name     string
	Parent   *Node
	PageID   uint64
	ParentID uint64
	Size     uint64
	IsDir    bool
	Segments []Segment

	Open    uint32
	Updated bool
}

func newNode(name string, isdir bool, parent *Node) *Node {
	return &Node{Name: name, IsDir: isdir, Parent: parent}
}

// encodeRecord writes the node's persistent fields into a PageSize buffer.
func (n *Node) encodeRecord(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:], n.PageID)
	binary.LittleEndian.PutUint64(buf[8:], n.ParentID)
	binary.LittleEndian.PutUint64(buf[16:], n.Size)
	isdir := uint32(0)
	if n.IsDir {
		isdir = 1
	}
	binary.LittleEndian.PutUint32(buf[24:], isdir)
	binary.LittleEndian.PutUint32(buf[28:], uint32(len(n.Segments)))
	o := nodeRecordFixed
	for _, s := range n.Segments {
		binary.LittleEndian.PutUint64(buf[o:], s.PageID)
		binary.LittleEndian.PutUint64(buf[o+8:], s.PageCount)
		o += segmentSize
	}
}

// decodeNodeRecord reads the persistent fields out of a PageSize buffer.
func decodeNodeRecord(buf []byte) (pageid, parentid, size uint64, isdir bool, segs []Segment) {
	pageid = binary.LittleEndian.Uint64(buf[0:])
	parentid = binary.LittleEndian.Uint64(buf[8:])
	size = binary.LittleEndian.Uint64(buf[16:])
	isdir = binary.LittleEndian.Uint32(buf[24:]) != 0
	dscount := binary.LittleEndian.Uint32(buf[28:])
	segs = make([]Segment, dscount)
	o := nodeRecordFixed
	for i := uint32(0); i < dscount; i++ {
		segs[i] = Segment{
			PageID:    binary.LittleEndian.Uint64(buf[o:]),
			PageCount: binary.LittleEndian.Uint64(buf[o+8:]),
		}
		o += segmentSize
	}
	return
}

func encodeNamePage(buf []byte, name string) error {
	for i := range buf {
		buf[i] = 0
	}
	if len(name)+1 > len(buf) {
		return fmt.Errorf("%w: name too long", ErrInvalidArgument)
	}
	copy(buf, name)
	return nil
}

func decodeNamePage(buf []byte) string {
	return cString(buf)
}

// allocEntrySlot reserves a FilePC-page slot for a new entry: it pops the
// delete stack if non-empty, otherwise advances fdnextpage downward and
// marks the two bits directly (this population is not searched for like a
// data extent; it always takes the next slot in line). Mirrors
// unfs_node_alloc.
func (fs *Filesystem) allocEntrySlot(isdir bool) (uint64, error) {
	h := fs.header
	var fdpage uint64
	if h.DelCount > 0 {
		h.DelCount--
		fdpage = h.DelStack[h.DelCount]
		h.DelStack = h.DelStack[:h.DelCount]
	} else {
		fdpage = h.FDNextPage
		if fs.bitmap.IsSet(fdpage, FilePC) {
			return 0, fmt.Errorf("%w: cannot allocate space for a new entry", ErrNoSpace)
		}
		fs.bitmap.SetRange(fdpage, FilePC)
		h.PageFree -= FilePC
		h.FDNextPage -= FilePC
		fs.bitmap.ExpandEntryDirty(fdpage, fdpage+FilePC)
	}
	h.FDCount++
	if isdir {
		h.DirCount++
	}
	return fdpage, nil
}

// freeEntrySlot releases a node's slot: pushed on the delete stack while it
// has room, otherwise fdnextpage advances and the caller must relocate
// whatever entry now occupies the new fdnextpage into the freed slot
// (mirrors unfs_node_free's "pending" return).
func (fs *Filesystem) freeEntrySlot(n *Node) (pending bool, err error) {
	h := fs.header
	if h.DelCount < h.DelMax {
		h.DelStack = append(h.DelStack, n.PageID)
		h.DelCount++
	} else {
		h.FDNextPage += FilePC
		h.PageFree += FilePC
		fdpage := h.FDNextPage
		pending = n.PageID != fdpage
		if err := fs.bitmap.ClearRange(fdpage, FilePC); err != nil {
			return false, err
		}
		fs.bitmap.ExpandEntryDirty(fdpage, fdpage+FilePC)
	}
	h.FDCount--
	if n.IsDir {
		h.DirCount--
	}
	return pending, nil
}

// syncNode writes a node's 2-page entry (record + name) to its slot.
func (fs *Filesystem) syncNode(ioc device.IOContext, n *Node) error {
	buf, pc, err := fs.dev.PageAlloc(ioc, FilePC)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer fs.dev.PageFree(ioc, buf)
	if pc != FilePC {
		return fmt.Errorf("%w: cannot allocate %d pages", ErrIO, FilePC)
	}
	pageSize := int(fs.header.PageSize)
	n.encodeRecord(buf[:pageSize])
	if err := encodeNamePage(buf[pageSize:2*pageSize], n.Name); err != nil {
		return err
	}
	if err := fs.dev.WriteAt(ioc, buf, n.PageID, FilePC); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	n.Updated = false
	return nil
}

// findNode looks up name in the index.
func (fs *Filesystem) findNode(name string) *Node {
	return fs.index.Find(name)
}

// findParentNode looks up the parent of name in the index.
func (fs *Filesystem) findParentNode(name string) *Node {
	p := parentName(name)
	if p == "" {
		return nil
	}
	return fs.index.Find(p)
}

// updateChildren walks every node whose Parent pointer is exactly parent
// and re-syncs its ParentID; used after a delete-stack relocation moves a
// directory, so every child's on-disk parentid stays correct (§9).
func (fs *Filesystem) updateChildren(ioc device.IOContext, parent *Node) error {
	var werr error
	fs.index.Walk(func(n *Node) bool {
		if n.Parent == parent {
			n.mu.Lock()
			n.ParentID = parent.PageID
			werr = fs.syncNode(ioc, n)
			n.mu.Unlock()
			if werr != nil {
				return false
			}
		}
		return true
	})
	return werr
}

// addParents ensures every ancestor directory of name exists in the index,
// creating placeholder directory nodes (pageid 0) for any that have not yet
// been read off disk. Used while scanning entries on open, since entries
// are not stored in parent-before-child order. Mirrors unfs_node_add_parents.
func (fs *Filesystem) addParents(name string) *Node {
	parent := fs.index.Find("/")
	path := ""
	rest := name[1:]
	for {
		i := indexByte(rest, '/')
		if i < 0 {
			break
		}
		if i+1 == len(rest) {
			break
		}
		path += "/" + rest[:i]
		rest = rest[i+1:]

		if found := fs.index.Find(path); found != nil {
			parent = found
		} else {
			placeholder := newNode(path, true, parent)
			fs.index.Put(placeholder)
			parent = placeholder
		}
	}
	if parent == nil {
		parent = fs.index.Find("/")
	}
	return parent
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
