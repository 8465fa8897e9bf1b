// Package record compares the working copy with the pristine and produces
// the changes of a new patch.
package record

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/inode"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"
)

const defaultPerms uint16 = 0o755

type recorder struct {
	g       *graph.Graph
	wc      billy.Filesystem
	log     *logrus.Logger
	lineNum uint32
	changes []patch.Change
	updates inode.Updates
}

// Record walks the tracked files and returns the changes between the
// pristine and the working copy wc, together with the inodes the new name
// nodes belong to.
func Record(g *graph.Graph, wc billy.Filesystem) ([]patch.Change, inode.Updates, error) {
	r := &recorder{
		g:       g,
		wc:      wc,
		log:     g.Log,
		lineNum: 1,
		updates: inode.Updates{},
	}
	if err := r.walk(graph.RootInode, graph.RootKey[:], ""); err != nil {
		return nil, nil, err
	}
	r.log.WithFields(logrus.Fields{"changes": len(r.changes), "lines": r.lineNum - 1}).Debug("recorded")
	return r.changes, r.updates, nil
}

func nameNode(perms uint16, name string) []byte {
	b := make([]byte, 2, 2+len(name))
	binary.BigEndian.PutUint16(b, perms)
	return append(b, name...)
}

func (r *recorder) walk(dir graph.Inode, parentNode []byte, dirPath string) error {
	entries, err := r.g.TreeChildren(dir)
	if err != nil {
		return fmt.Errorf("listing %q: %w", dirPath, err)
	}
	for _, e := range entries {
		p := path.Join(dirPath, e.Name)
		rec, known, err := r.g.GetInode(e.Inode)
		if err != nil {
			return err
		}
		if !known {
			if err := r.addFile(e.Inode, parentNode, e.Name, p); err != nil {
				return err
			}
			continue
		}
		if err := r.recordFile(e.Inode, rec, parentNode, e.Name, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) stat(p string) (fs.FileInfo, bool, error) {
	fi, err := r.wc.Lstat(p)
	if os.IsNotExist(err) {
		r.log.WithField("path", p).Warn("tracked file missing from working copy, skipping")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", p, err)
	}
	return fi, true, nil
}

func (r *recorder) addFile(ino graph.Inode, parentNode []byte, name, p string) error {
	fi, ok, err := r.stat(p)
	if err != nil || !ok {
		return err
	}
	perms := uint16(fi.Mode().Perm()) & 0o777
	if perms == 0 {
		perms = defaultPerms
	}
	if fi.IsDir() {
		perms |= graph.DirectoryFlag
	}

	n := r.lineNum
	r.changes = append(r.changes, patch.Change{NewNodes: &patch.NewNodes{
		UpContext: [][]byte{append([]byte(nil), parentNode...)},
		Flag:      graph.Folder,
		LineNum:   n,
		Nodes:     [][]byte{nameNode(perms, name), {}},
	}})
	r.lineNum += 2
	r.updates[n+1] = ino
	placeholder := graph.LineBytes(n + 1)

	if fi.IsDir() {
		return r.walk(ino, placeholder, p)
	}
	contents, err := util.ReadFile(r.wc, p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	lines := splitLines(contents)
	if len(lines) == 0 {
		return nil
	}
	r.changes = append(r.changes, patch.Change{NewNodes: &patch.NewNodes{
		UpContext: [][]byte{placeholder},
		LineNum:   r.lineNum,
		Nodes:     copyLines(lines),
	}})
	r.lineNum += uint32(len(lines))
	return nil
}

func (r *recorder) recordFile(ino graph.Inode, rec graph.InodeRecord, parentNode []byte, name, p string) error {
	self, err := r.g.ExternalKey(rec.Key)
	if err != nil {
		return err
	}
	isDir := graph.IsDir(rec.Perms)

	if rec.Status == graph.StatusDeleted {
		edges, err := r.deleteNames(rec.Key, true)
		if err != nil {
			return err
		}
		if len(edges) > 0 {
			r.changes = append(r.changes, patch.Change{Edges: &patch.Edges{Edges: edges}})
		}
		if isDir {
			return r.walk(ino, self[:], p)
		}
		return nil
	}

	fi, ok, err := r.stat(p)
	if err != nil || !ok {
		return err
	}
	perms := uint16(fi.Mode().Perm()) & 0o777
	if perms == 0 {
		perms = rec.Perms & graph.PermMask
	}
	if isDir {
		perms |= graph.DirectoryFlag
	}

	if rec.Status == graph.StatusMoved || perms != rec.Perms {
		edges, err := r.deleteNames(rec.Key, false)
		if err != nil {
			return err
		}
		if len(edges) > 0 {
			r.changes = append(r.changes, patch.Change{Edges: &patch.Edges{Edges: edges}})
		}
		r.changes = append(r.changes, patch.Change{NewNodes: &patch.NewNodes{
			UpContext:   [][]byte{append([]byte(nil), parentNode...)},
			DownContext: [][]byte{append([]byte(nil), self[:]...)},
			Flag:        graph.Folder,
			LineNum:     r.lineNum,
			Nodes:       [][]byte{nameNode(perms, name)},
		}})
		r.updates[r.lineNum] = ino
		r.lineNum++
	}

	if isDir {
		return r.walk(ino, self[:], p)
	}
	contents, err := util.ReadFile(r.wc, p)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	return r.diff(rec.Key, contents)
}

// deleteNames deletes the folder edges above the name nodes of the file
// whose placeholder is key. With self set, the edges between the
// placeholder and its name nodes die too.
func (r *recorder) deleteNames(key graph.Key, self bool) ([]patch.Edge, error) {
	names, err := r.g.Edges(key, graph.Parent|graph.Folder, false)
	if err != nil {
		return nil, err
	}
	var out []patch.Edge
	add := func(from graph.Key, e graph.Edge) error {
		fromExt, err := r.g.ExternalKey(from)
		if err != nil {
			return err
		}
		toExt, err := r.g.ExternalKey(e.Dest)
		if err != nil {
			return err
		}
		intro, err := r.g.ExternalHash(e.Introducer)
		if err != nil {
			return err
		}
		out = append(out, patch.Edge{
			From:         fromExt[:],
			To:           toExt[:],
			Flag:         graph.Parent | graph.Folder | graph.Deleted,
			IntroducedBy: intro,
		})
		return nil
	}
	for _, n := range names {
		if self {
			if err := add(key, n); err != nil {
				return nil, err
			}
		}
		grand, err := r.g.Edges(n.Dest, graph.Parent|graph.Folder, false)
		if err != nil {
			return nil, err
		}
		for _, gp := range grand {
			if err := add(n.Dest, gp); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
