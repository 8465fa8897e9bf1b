package graph

import (
	"bytes"
	"errors"

	"github.com/colemickens/pijul-sub000/internal/kv"
)

// TreeEntry is one child of a directory inode.
type TreeEntry struct {
	Name  string
	Inode Inode
}

func treeKey(parent Inode, name string) []byte {
	k := make([]byte, 0, InodeSize+len(name))
	k = append(k, parent[:]...)
	return append(k, name...)
}

// PutTree links child under parent with the given basename, in both tree
// and revtree.
func (g *Graph) PutTree(parent Inode, name string, child Inode) error {
	k := treeKey(parent, name)
	if err := g.Txn.Put(kv.Tree, k, child[:]); err != nil {
		return err
	}
	return g.Txn.Put(kv.Revtree, child[:], k)
}

// DelTree unlinks child from parent/name in both directions.
func (g *Graph) DelTree(parent Inode, name string, child Inode) error {
	if err := g.Txn.Delete(kv.Tree, treeKey(parent, name), child[:]); err != nil {
		return err
	}
	return g.Txn.Delete(kv.Revtree, child[:], nil)
}

// Lookup returns the inode stored under parent/name.
func (g *Graph) Lookup(parent Inode, name string) (Inode, bool, error) {
	v, err := g.Txn.Get(kv.Tree, treeKey(parent, name))
	if errors.Is(err, kv.ErrNotFound) {
		return Inode{}, false, nil
	}
	if err != nil {
		return Inode{}, false, err
	}
	i, err := InodeFromBytes(v)
	return i, err == nil, err
}

// TreeChildren lists the entries directly under parent, sorted by name.
func (g *Graph) TreeChildren(parent Inode) ([]TreeEntry, error) {
	var out []TreeEntry
	it := kv.NewIter(g.Txn, kv.Tree, parent[:], nil)
	for it.Next() {
		p := it.Pair()
		if len(p.Key) < InodeSize || !bytes.Equal(p.Key[:InodeSize], parent[:]) {
			break
		}
		child, err := InodeFromBytes(p.Value)
		if err != nil {
			return nil, err
		}
		name := string(p.Key[InodeSize:])
		if name == "" {
			continue
		}
		out = append(out, TreeEntry{Name: name, Inode: child})
	}
	return out, it.Err()
}

// TreeParent returns the directory and basename of child.
func (g *Graph) TreeParent(child Inode) (Inode, string, bool, error) {
	v, err := g.Txn.Get(kv.Revtree, child[:])
	if errors.Is(err, kv.ErrNotFound) {
		return Inode{}, "", false, nil
	}
	if err != nil {
		return Inode{}, "", false, err
	}
	if len(v) < InodeSize {
		return Inode{}, "", false, errors.New("corrupt revtree entry")
	}
	var parent Inode
	copy(parent[:], v[:InodeSize])
	return parent, string(v[InodeSize:]), true, nil
}

// HasRevtree reports whether inode is present in the working-copy tree.
func (g *Graph) HasRevtree(i Inode) (bool, error) {
	_, _, ok, err := g.TreeParent(i)
	return ok, err
}

// PutInode stores the graph binding of a working-copy inode.
func (g *Graph) PutInode(i Inode, r InodeRecord) error {
	return g.Txn.Put(kv.Inodes, i[:], r.Bytes())
}

// GetInode returns the graph binding of i, if recorded.
func (g *Graph) GetInode(i Inode) (InodeRecord, bool, error) {
	v, err := g.Txn.Get(kv.Inodes, i[:])
	if errors.Is(err, kv.ErrNotFound) {
		return InodeRecord{}, false, nil
	}
	if err != nil {
		return InodeRecord{}, false, err
	}
	r, err := DecodeInodeRecord(v)
	return r, err == nil, err
}

func (g *Graph) DelInode(i Inode) error {
	return g.Txn.Delete(kv.Inodes, i[:], nil)
}

// PutRevinode maps a name node back to its inode.
func (g *Graph) PutRevinode(k Key, i Inode) error {
	return g.Txn.Put(kv.Revinodes, k[:], i[:])
}

func (g *Graph) GetRevinode(k Key) (Inode, bool, error) {
	v, err := g.Txn.Get(kv.Revinodes, k[:])
	if errors.Is(err, kv.ErrNotFound) {
		return Inode{}, false, nil
	}
	if err != nil {
		return Inode{}, false, err
	}
	i, err := InodeFromBytes(v)
	return i, err == nil, err
}

func (g *Graph) DelRevinode(k Key) error {
	return g.Txn.Delete(kv.Revinodes, k[:], nil)
}

// Inodes lists every recorded inode.
func (g *Graph) Inodes() ([]Inode, []InodeRecord, error) {
	var ids []Inode
	var recs []InodeRecord
	it := kv.NewIter(g.Txn, kv.Inodes, nil, nil)
	for it.Next() {
		p := it.Pair()
		i, err := InodeFromBytes(p.Key)
		if err != nil {
			return nil, nil, err
		}
		r, err := DecodeInodeRecord(p.Value)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, i)
		recs = append(recs, r)
	}
	return ids, recs, it.Err()
}

// DropTree empties tree and revtree.
func (g *Graph) DropTree() error {
	if err := g.Txn.Drop(kv.Tree); err != nil {
		return err
	}
	return g.Txn.Drop(kv.Revtree)
}
