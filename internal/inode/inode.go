// Package inode maintains the working-copy tree: the mapping between paths,
// inodes and the name nodes of the graph.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/google/uuid"
)

var (
	ErrAlreadyAdded = errors.New("file already in repository")
	ErrInvalidPath  = errors.New("invalid repository path")
)

// FileNotInRepoError is returned when a path has no inode.
type FileNotInRepoError struct {
	Path string
}

func (e *FileNotInRepoError) Error() string {
	return fmt.Sprintf("file not in repository: %s", e.Path)
}

// Updates maps line numbers of a recorded patch to the inodes whose name
// nodes they create, so that applying the patch keeps local inodes.
type Updates map[uint32]graph.Inode

// Tree edits tree, revtree and inodes through a graph.
type Tree struct {
	g *graph.Graph
}

func New(g *graph.Graph) *Tree {
	return &Tree{g: g}
}

func split(p string) ([]string, error) {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" || p == ".." || strings.HasPrefix(p, "../") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return strings.Split(p, "/"), nil
}

// NewInode returns a random inode not present in revtree.
func (t *Tree) NewInode() (graph.Inode, error) {
	for {
		u, err := uuid.NewRandom()
		if err != nil {
			return graph.Inode{}, fmt.Errorf("generating inode: %w", err)
		}
		i := graph.Inode(u)
		if i == graph.RootInode {
			continue
		}
		used, err := t.g.HasRevtree(i)
		if err != nil {
			return graph.Inode{}, err
		}
		if !used {
			return i, nil
		}
	}
}

// AddFile adds path, creating inodes for missing parent directories.
func (t *Tree) AddFile(p string) error {
	return t.addInode(nil, p)
}

func (t *Tree) addInode(ino *graph.Inode, p string) error {
	parts, err := split(p)
	if err != nil {
		return err
	}
	cur := graph.RootInode
	for i, name := range parts {
		next, ok, err := t.g.Lookup(cur, name)
		if err != nil {
			return err
		}
		last := i == len(parts)-1
		if ok {
			if last {
				return fmt.Errorf("%w: %s", ErrAlreadyAdded, p)
			}
			cur = next
			continue
		}
		if last && ino != nil {
			next = *ino
		} else if next, err = t.NewInode(); err != nil {
			return err
		}
		if err := t.g.PutTree(cur, name, next); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
		cur = next
	}
	return nil
}

// Resolve returns the parent, basename and inode of path.
func (t *Tree) Resolve(p string) (parent graph.Inode, name string, ino graph.Inode, err error) {
	parts, err := split(p)
	if err != nil {
		return parent, "", ino, err
	}
	cur := graph.RootInode
	for _, n := range parts {
		next, ok, err := t.g.Lookup(cur, n)
		if err != nil {
			return parent, "", ino, err
		}
		if !ok {
			return parent, "", ino, &FileNotInRepoError{Path: p}
		}
		parent, name, cur = cur, n, next
	}
	return parent, name, cur, nil
}

// MoveFile moves src to dst, keeping its inode. A recorded inode is marked
// moved so that the next record emits the new name.
func (t *Tree) MoveFile(src, dst string) error {
	parent, name, ino, err := t.Resolve(src)
	if err != nil {
		return err
	}
	if _, _, _, err := t.Resolve(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAdded, dst)
	}
	if err := t.g.DelTree(parent, name, ino); err != nil {
		return err
	}
	if err := t.addInode(&ino, dst); err != nil {
		return err
	}
	rec, ok, err := t.g.GetInode(ino)
	if err != nil || !ok {
		return err
	}
	rec.Status = graph.StatusMoved
	return t.g.PutInode(ino, rec)
}

// RemoveFile marks path and everything below it for deletion. Entries that
// were never recorded are dropped at once.
func (t *Tree) RemoveFile(p string) error {
	parent, name, ino, err := t.Resolve(p)
	if err != nil {
		return err
	}
	return t.remove(parent, name, ino)
}

func (t *Tree) remove(parent graph.Inode, name string, ino graph.Inode) error {
	children, err := t.g.TreeChildren(ino)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := t.remove(ino, c.Name, c.Inode); err != nil {
			return err
		}
	}
	rec, ok, err := t.g.GetInode(ino)
	if err != nil {
		return err
	}
	if !ok {
		left, err := t.g.TreeChildren(ino)
		if err != nil || len(left) > 0 {
			return err
		}
		return t.g.DelTree(parent, name, ino)
	}
	rec.Status = graph.StatusDeleted
	return t.g.PutInode(ino, rec)
}

// ListFiles returns every tracked path, skipping deleted subtrees.
func (t *Tree) ListFiles() ([]string, error) {
	var out []string
	type entry struct {
		ino  graph.Inode
		path string
	}
	stack := []entry{{ino: graph.RootInode}}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := t.g.TreeChildren(e.ino)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			rec, ok, err := t.g.GetInode(c.Inode)
			if err != nil {
				return nil, err
			}
			if ok && rec.Status >= graph.StatusDeleted {
				continue
			}
			p := path.Join(e.path, c.Name)
			out = append(out, p)
			stack = append(stack, entry{ino: c.Inode, path: p})
		}
	}
	sort.Strings(out)
	return out, nil
}

// FilenameOfInode returns the working-copy path of ino.
func (t *Tree) FilenameOfInode(ino graph.Inode) (string, bool, error) {
	var parts []string
	cur := ino
	for cur != graph.RootInode {
		parent, name, ok, err := t.g.TreeParent(cur)
		if err != nil || !ok {
			return "", false, err
		}
		parts = append(parts, name)
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return path.Join(parts...), true, nil
}

// SyncFileAdditions binds the name nodes created by changes, applied with
// internal hash internal, to inodes, then forgets deleted inodes. It is
// called after applying a locally recorded patch.
func (t *Tree) SyncFileAdditions(changes []patch.Change, updates Updates, internal graph.Hash) error {
	if err := t.BindAdditions(changes, updates, internal); err != nil {
		return err
	}
	return t.purgeDeleted()
}

// BindAdditions is SyncFileAdditions without forgetting deleted inodes, for
// patches applied from elsewhere while local deletions are still pending.
func (t *Tree) BindAdditions(changes []patch.Change, updates Updates, internal graph.Hash) error {
	for _, c := range changes {
		nn := c.NewNodes
		if nn == nil || nn.Flag&graph.Folder == 0 || len(nn.Nodes) == 0 {
			continue
		}
		var perms uint16
		if len(nn.Nodes[0]) >= 2 {
			perms = binary.BigEndian.Uint16(nn.Nodes[0][:2])
		}
		switch len(nn.Nodes) {
		case 2:
			ino, ok := updates[nn.LineNum+1]
			if !ok {
				var err error
				if ino, err = t.NewInode(); err != nil {
					return err
				}
			}
			key := graph.NewKey(internal, nn.LineNum+1)
			if err := t.g.PutInode(ino, graph.InodeRecord{Status: graph.StatusOK, Perms: perms, Key: key}); err != nil {
				return err
			}
			if err := t.g.PutRevinode(key, ino); err != nil {
				return err
			}
		case 1:
			ino, ok := updates[nn.LineNum]
			if !ok {
				continue
			}
			rec, ok, err := t.g.GetInode(ino)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rec.Status = graph.StatusOK
			rec.Perms = perms
			if err := t.g.PutInode(ino, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) purgeDeleted() error {
	ids, recs, err := t.g.Inodes()
	if err != nil {
		return err
	}
	for i, ino := range ids {
		if recs[i].Status != graph.StatusDeleted {
			continue
		}
		parent, name, ok, err := t.g.TreeParent(ino)
		if err != nil {
			return err
		}
		if ok {
			if err := t.g.DelTree(parent, name, ino); err != nil {
				return err
			}
		}
		if err := t.g.DelInode(ino); err != nil {
			return err
		}
		if err := t.g.DelRevinode(recs[i].Key); err != nil {
			return err
		}
	}
	return nil
}
