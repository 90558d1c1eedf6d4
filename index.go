package unfs

import (
	"strings"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// NameIndex is the in-memory ordered mapping from canonical path to node
// (§4.2). A red-black tree keyed by the path string gives O(log N) lookup,
// ordered iteration for directory listing, and a rename that is simply a
// remove followed by a reinsert under the new key.
type NameIndex struct {
	tree *redblacktree.Tree
}

// NewNameIndex returns an empty index ordered by plain string comparison.
func NewNameIndex() *NameIndex {
	return &NameIndex{tree: redblacktree.NewWithStringComparator()}
}

// Find returns the node stored at name, or nil if absent.
func (idx *NameIndex) Find(name string) *Node {
	v, found := idx.tree.Get(name)
	if !found {
		return nil
	}
	return v.(*Node)
}

// Put inserts or overwrites the node at its own Name.
func (idx *NameIndex) Put(n *Node) {
	idx.tree.Put(n.Name, n)
}

// Remove deletes the entry at name.
func (idx *NameIndex) Remove(name string) {
	idx.tree.Remove(name)
}

// Rename moves a node from its current key to a new one, preserving its
// identity (the same *Node, with Name updated by the caller beforehand).
func (idx *NameIndex) Rename(oldName string, n *Node) {
	idx.tree.Remove(oldName)
	idx.tree.Put(n.Name, n)
}

// Size returns the number of entries in the index.
func (idx *NameIndex) Size() int {
	return idx.tree.Size()
}

// Walk invokes fn for every node in ascending name order. fn returning false
// stops the walk early.
func (idx *NameIndex) Walk(fn func(n *Node) bool) {
	it := idx.tree.Iterator()
	for it.Next() {
		if !fn(it.Value().(*Node)) {
			return
		}
	}
}

// Children returns the immediate children of a directory by walking the
// whole index and filtering with isChildOf. Names are not stored in any
// hierarchical structure, so this is a linear scan; callers needing this
// often (dir_list) accept that cost in exchange for the simplicity of a
// single flat ordered map (§4.2).
func (idx *NameIndex) Children(parent string) []*Node {
	var out []*Node
	idx.Walk(func(n *Node) bool {
		if isChildOf(n.Name, parent) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// isChildOf reports whether child is an immediate child of parent: child
// starts with parent, exactly one '/' follows, and no further '/' appears
// in the remainder. Root is a special case (plen == 1) since it already
// ends in '/'.
func isChildOf(child, parent string) bool {
	clen, plen := len(child), len(parent)
	if clen <= plen {
		return false
	}
	if plen == 1 {
		return !strings.Contains(child[1:], "/")
	}
	if child[plen] != '/' {
		return false
	}
	if child[:plen] != parent {
		return false
	}
	return !strings.Contains(child[plen+1:], "/")
}

// validateName enforces the canonical-name rules of §4.2: starts with '/',
// does not end with '/' except the root, every byte of every component is
// printable and not '/', and the whole name is shorter than PAGESIZE-2.
func validateName(name string) bool {
	const maxPath = 4096 - 2
	if len(name) == 0 || len(name) >= maxPath {
		return false
	}
	if name[0] != '/' {
		return false
	}
	if len(name) > 1 && name[len(name)-1] == '/' {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if c == '/' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// parentName returns the canonical name of name's parent, or "" if name is
// the root (which has no parent).
func parentName(name string) string {
	if name == "/" {
		return ""
	}
	i := strings.LastIndexByte(name, '/')
	if i == 0 {
		return "/"
	}
	return name[:i]
}
