// Package output writes the pristine back to the working copy.
package output

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/colemickens/pijul-sub000/internal/apply"
	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/inode"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/colemickens/pijul-sub000/internal/retrieve"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

// StagingDir holds renamed entries while the working copy is rearranged.
const StagingDir = ".pijul/output"

// entry is one file or directory found by walking the folder edges.
type entry struct {
	name        string
	nameNode    graph.Key
	external    graph.Key
	placeholder graph.Key
	perms       uint16
	parent      graph.Inode
	inode       graph.Inode
	fresh       bool
	path        string
	oldPath     string
}

func (e *entry) isDir() bool { return graph.IsDir(e.perms) }

// Repository makes the working copy wc match the pristine plus the pending
// changes, which are the unrecorded local edits: they are applied in a
// nested transaction that is discarded afterwards. updates binds the name
// nodes of pending to local inodes.
func Repository(g *graph.Graph, wc billy.Filesystem, pending []patch.Change, updates inode.Updates, branch string) error {
	nested, err := g.Txn.Begin()
	if err != nil {
		return fmt.Errorf("beginning nested transaction: %w", err)
	}
	ng := g.With(nested)
	entries, err := prepare(ng, wc, pending, updates, branch)
	if err != nil {
		nested.Abort()
		return err
	}
	if err := nested.Abort(); err != nil {
		return fmt.Errorf("aborting nested transaction: %w", err)
	}
	return rebuildTree(g, entries, updates)
}

// prepare applies pending inside ng, collects the entries and writes them
// to the working copy.
func prepare(ng *graph.Graph, wc billy.Filesystem, pending []patch.Change, updates inode.Updates, branch string) ([]*entry, error) {
	if len(pending) > 0 {
		p := &patch.Patch{Name: "pending", Changes: pending}
		ext, _, err := patch.Hash(p)
		if err != nil {
			return nil, err
		}
		internal, err := ng.NewInternal()
		if err != nil {
			return nil, err
		}
		if err := ng.RegisterHash(internal, ext); err != nil {
			return nil, err
		}
		if err := apply.Apply(ng, p, internal, branch); err != nil {
			return nil, fmt.Errorf("applying pending changes: %w", err)
		}
		if err := inode.New(ng).SyncFileAdditions(pending, updates, internal); err != nil {
			return nil, fmt.Errorf("syncing pending additions: %w", err)
		}
	}

	entries, err := collect(ng)
	if err != nil {
		return nil, err
	}
	if err := place(ng, wc, entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := write(ng, wc, e); err != nil {
			return nil, err
		}
	}
	if err := removeVanished(ng, wc, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

type dir struct {
	key   graph.Key
	inode graph.Inode
	path  string
}

// collect walks folder edges from the root and resolves the path of every
// alive name. Names that collide within a directory get a ~i suffix, in
// the order of their name nodes' external keys.
func collect(g *graph.Graph) ([]*entry, error) {
	t := inode.New(g)
	var out []*entry
	visited := map[graph.Key]bool{graph.RootKey: true}
	stack := []dir{{key: graph.RootKey, inode: graph.RootInode}}
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		names, err := g.Edges(d.key, graph.Folder, true)
		if err != nil {
			return nil, err
		}
		var here []*entry
		for _, n := range names {
			contents, err := g.Contents(n.Dest)
			if err != nil {
				return nil, err
			}
			if len(contents) < 2 {
				return nil, fmt.Errorf("name node %s has no permissions", n.Dest)
			}
			ext, err := g.ExternalKey(n.Dest)
			if err != nil {
				return nil, err
			}
			children, err := g.Edges(n.Dest, graph.Folder, true)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if visited[c.Dest] {
					continue
				}
				visited[c.Dest] = true
				e := &entry{
					name:        string(contents[2:]),
					nameNode:    n.Dest,
					external:    ext,
					placeholder: c.Dest,
					perms:       binary.BigEndian.Uint16(contents[:2]),
					parent:      d.inode,
				}
				ino, ok, err := g.GetRevinode(c.Dest)
				if err != nil {
					return nil, err
				}
				if !ok {
					if ino, err = t.NewInode(); err != nil {
						return nil, err
					}
					e.fresh = true
				}
				e.inode = ino
				if old, ok, err := t.FilenameOfInode(ino); err != nil {
					return nil, err
				} else if ok {
					e.oldPath = old
				}
				here = append(here, e)
			}
		}

		sort.SliceStable(here, func(i, j int) bool {
			if here[i].name != here[j].name {
				return here[i].name < here[j].name
			}
			return bytes.Compare(here[i].external[:], here[j].external[:]) < 0
		})
		for i := 0; i < len(here); {
			j := i
			for j < len(here) && here[j].name == here[i].name {
				j++
			}
			for k := i; k < j; k++ {
				name := here[k].name
				if j-i > 1 {
					name += "~" + strconv.Itoa(k-i)
				}
				here[k].name = name
				here[k].path = path.Join(d.path, name)
			}
			i = j
		}
		for _, e := range here {
			out = append(out, e)
			if e.isDir() {
				stack = append(stack, dir{key: e.placeholder, inode: e.inode, path: e.path})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// place moves entries whose path changed: first out to the staging
// directory, deepest first, then to their new paths, shallowest first.
func place(g *graph.Graph, wc billy.Filesystem, entries []*entry) error {
	var moving []*entry
	for _, e := range entries {
		if e.oldPath == "" || e.oldPath == e.path {
			continue
		}
		if _, err := wc.Lstat(e.oldPath); err != nil {
			continue
		}
		moving = append(moving, e)
	}
	if len(moving) == 0 {
		return nil
	}
	if err := wc.MkdirAll(StagingDir, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	sort.SliceStable(moving, func(i, j int) bool {
		return strings.Count(moving[i].oldPath, "/") > strings.Count(moving[j].oldPath, "/")
	})
	for _, e := range moving {
		if err := wc.Rename(e.oldPath, path.Join(StagingDir, e.inode.String())); err != nil {
			return fmt.Errorf("moving %s aside: %w", e.oldPath, err)
		}
	}
	sort.SliceStable(moving, func(i, j int) bool { return moving[i].path < moving[j].path })
	for _, e := range moving {
		if d := path.Dir(e.path); d != "." {
			if err := wc.MkdirAll(d, 0755); err != nil {
				return err
			}
		}
		if err := wc.Rename(path.Join(StagingDir, e.inode.String()), e.path); err != nil {
			return fmt.Errorf("moving %s to %s: %w", e.oldPath, e.path, err)
		}
		g.Log.WithFields(logrus.Fields{"from": e.oldPath, "to": e.path}).Debug("renamed")
	}
	return util.RemoveAll(wc, StagingDir)
}

func write(g *graph.Graph, wc billy.Filesystem, e *entry) error {
	mode := os.FileMode(e.perms & graph.PermMask)
	if e.isDir() {
		if err := wc.MkdirAll(e.path, mode); err != nil {
			return fmt.Errorf("creating %s: %w", e.path, err)
		}
	} else {
		var buf bytes.Buffer
		if err := retrieve.OutputFile(g, e.placeholder, retrieve.WriterBuffer{W: &buf}); err != nil {
			return fmt.Errorf("rendering %s: %w", e.path, err)
		}
		if d := path.Dir(e.path); d != "." {
			if err := wc.MkdirAll(d, 0755); err != nil {
				return err
			}
		}
		if err := util.WriteFile(wc, e.path, buf.Bytes(), mode); err != nil {
			return fmt.Errorf("writing %s: %w", e.path, err)
		}
	}
	if ch, ok := wc.(billy.Change); ok {
		if err := ch.Chmod(e.path, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", e.path, err)
		}
	}
	return nil
}

// removeVanished deletes the working-copy files of recorded inodes that
// are no longer reachable in the graph.
func removeVanished(g *graph.Graph, wc billy.Filesystem, entries []*entry) error {
	present := map[graph.Inode]bool{}
	paths := map[string]bool{}
	for _, e := range entries {
		present[e.inode] = true
		paths[e.path] = true
	}
	t := inode.New(g)
	ids, _, err := g.Inodes()
	if err != nil {
		return err
	}
	for _, ino := range ids {
		if present[ino] {
			continue
		}
		p, ok, err := t.FilenameOfInode(ino)
		if err != nil {
			return err
		}
		if !ok || paths[p] {
			continue
		}
		if err := util.RemoveAll(wc, p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
		g.Log.WithField("path", p).Debug("removed")
	}
	return nil
}

// rebuildTree replaces tree and revtree with the collected entries and
// refreshes inode records in the outer transaction.
func rebuildTree(g *graph.Graph, entries []*entry, updates inode.Updates) error {
	local := map[graph.Inode]bool{}
	for _, ino := range updates {
		local[ino] = true
	}
	present := map[graph.Inode]bool{}
	type kept struct {
		parent graph.Inode
		name   string
		inode  graph.Inode
	}
	// Deletions not yet recorded keep their tree entry.
	var deleted []kept
	ids, recs, err := g.Inodes()
	if err != nil {
		return err
	}
	for i, ino := range ids {
		if recs[i].Status != graph.StatusDeleted {
			continue
		}
		parent, name, ok, err := g.TreeParent(ino)
		if err != nil {
			return err
		}
		if ok {
			deleted = append(deleted, kept{parent, name, ino})
			local[ino] = true
		}
	}
	if err := g.DropTree(); err != nil {
		return fmt.Errorf("dropping tree: %w", err)
	}
	for _, e := range entries {
		present[e.inode] = true
		if err := g.PutTree(e.parent, e.name, e.inode); err != nil {
			return err
		}
		if e.fresh {
			rec := graph.InodeRecord{Status: graph.StatusOK, Perms: e.perms, Key: e.placeholder}
			if err := g.PutInode(e.inode, rec); err != nil {
				return err
			}
			if err := g.PutRevinode(e.placeholder, e.inode); err != nil {
				return err
			}
			continue
		}
		if local[e.inode] {
			continue
		}
		rec, ok, err := g.GetInode(e.inode)
		if err != nil {
			return err
		}
		if ok && rec.Perms != e.perms {
			rec.Perms = e.perms
			if err := g.PutInode(e.inode, rec); err != nil {
				return err
			}
		}
	}

	for _, k := range deleted {
		if err := g.PutTree(k.parent, k.name, k.inode); err != nil {
			return err
		}
	}
	for i, ino := range ids {
		if present[ino] || local[ino] {
			continue
		}
		if err := g.DelInode(ino); err != nil {
			return err
		}
		if err := g.DelRevinode(recs[i].Key); err != nil {
			return err
		}
	}
	return nil
}
