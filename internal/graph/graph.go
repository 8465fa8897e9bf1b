package graph

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/colemickens/pijul-sub000/internal/kv"
	"github.com/sirupsen/logrus"
)

// InternalHashNotFoundError is returned when an external hash has no
// internal alias in the pristine.
type InternalHashNotFoundError struct {
	Hash Hash
}

func (e *InternalHashNotFoundError) Error() string {
	return fmt.Sprintf("internal hash not found for %s", e.Hash)
}

// ErrExternalHashNotFound is returned when an internal hash was never
// registered.
var ErrExternalHashNotFound = errors.New("external hash not found")

// Graph wraps a transaction with typed accessors for every table.
type Graph struct {
	Txn kv.Txn
	Log *logrus.Logger
}

// New returns a Graph operating on txn.
func New(txn kv.Txn, log *logrus.Logger) *Graph {
	if log == nil {
		log = logrus.New()
	}
	return &Graph{Txn: txn, Log: log}
}

// With returns a Graph sharing the logger but operating on txn.
func (g *Graph) With(txn kv.Txn) *Graph {
	return &Graph{Txn: txn, Log: g.Log}
}

// PutEdge inserts e under from and its mirror under e.Dest.
func (g *Graph) PutEdge(from Key, e Edge) error {
	if err := g.Txn.Put(kv.Nodes, from[:], e.Bytes()); err != nil {
		return err
	}
	return g.Txn.Put(kv.Nodes, e.Dest[:], e.Mirror(from).Bytes())
}

// DelEdge removes e under from and its mirror under e.Dest.
func (g *Graph) DelEdge(from Key, e Edge) error {
	if err := g.Txn.Delete(kv.Nodes, from[:], e.Bytes()); err != nil {
		return err
	}
	return g.Txn.Delete(kv.Nodes, e.Dest[:], e.Mirror(from).Bytes())
}

// HasEdge reports whether the exact record e is stored under from.
func (g *Graph) HasEdge(from Key, e Edge) (bool, error) {
	b := e.Bytes()
	pairs, err := g.Txn.Seek(kv.Nodes, from[:], b, 1)
	if err != nil {
		return false, err
	}
	return len(pairs) == 1 && bytes.Equal(pairs[0].Key, from[:]) && bytes.Equal(pairs[0].Value, b), nil
}

// FirstEdge returns the first record under key whose flag is at least flag.
func (g *Graph) FirstEdge(key Key, flag Flag) (Edge, bool, error) {
	pairs, err := g.Txn.Seek(kv.Nodes, key[:], []byte{byte(flag)}, 1)
	if err != nil {
		return Edge{}, false, err
	}
	if len(pairs) == 0 || !bytes.Equal(pairs[0].Key, key[:]) {
		return Edge{}, false, nil
	}
	e, err := DecodeEdge(pairs[0].Value)
	if err != nil {
		return Edge{}, false, err
	}
	return e, true, nil
}

// EdgeIter walks the records of one key, starting at a flag.
type EdgeIter struct {
	key Key
	it  *kv.Iter
	cur Edge
	err error
}

// IterEdges returns an iterator over the records of key whose flag is at
// least flag.
func (g *Graph) IterEdges(key Key, flag Flag) *EdgeIter {
	return &EdgeIter{key: key, it: kv.NewIter(g.Txn, kv.Nodes, key[:], []byte{byte(flag)})}
}

func (ei *EdgeIter) Next() bool {
	if ei.err != nil || !ei.it.Next() {
		return false
	}
	p := ei.it.Pair()
	if !bytes.Equal(p.Key, ei.key[:]) {
		return false
	}
	e, err := DecodeEdge(p.Value)
	if err != nil {
		ei.err = err
		return false
	}
	ei.cur = e
	return true
}

func (ei *EdgeIter) Edge() Edge { return ei.cur }

func (ei *EdgeIter) Err() error {
	if ei.err != nil {
		return ei.err
	}
	return ei.it.Err()
}

// Edges returns the records of key with flag exactly flag, plus those with
// flag|Pseudo when includePseudo is set. The result is a snapshot.
func (g *Graph) Edges(key Key, flag Flag, includePseudo bool) ([]Edge, error) {
	upper := flag
	if includePseudo {
		upper = flag | Pseudo
	}
	var out []Edge
	it := g.IterEdges(key, flag)
	for it.Next() {
		e := it.Edge()
		if e.Flag > upper {
			break
		}
		if e.Flag == flag || e.Flag == upper {
			out = append(out, e)
		}
	}
	return out, it.Err()
}

// AllEdges returns every record stored under key.
func (g *Graph) AllEdges(key Key) ([]Edge, error) {
	var out []Edge
	it := g.IterEdges(key, 0)
	for it.Next() {
		out = append(out, it.Edge())
	}
	return out, it.Err()
}

// IsAlive reports whether key has a live parent edge. The root is always
// alive.
func (g *Graph) IsAlive(key Key) (bool, error) {
	if key.IsRoot() {
		return true, nil
	}
	e, ok, err := g.FirstEdge(key, Parent)
	if err != nil {
		return false, err
	}
	if ok && e.Flag == Parent {
		return true, nil
	}
	e, ok, err = g.FirstEdge(key, Parent|Folder)
	if err != nil {
		return false, err
	}
	return ok && e.Flag == Parent|Folder, nil
}

// IsHalfDeleted reports whether key has a deleted content parent.
func (g *Graph) IsHalfDeleted(key Key) (bool, error) {
	e, ok, err := g.FirstEdge(key, Parent|Deleted)
	if err != nil {
		return false, err
	}
	return ok && e.Flag == Parent|Deleted, nil
}

// HasNode reports whether any record is stored under key.
func (g *Graph) HasNode(key Key) (bool, error) {
	_, ok, err := g.FirstEdge(key, 0)
	return ok, err
}

// PutContents stores the bytes of a node.
func (g *Graph) PutContents(key Key, value []byte) error {
	return g.Txn.Put(kv.Contents, key[:], value)
}

// Contents returns the bytes of a node, empty when none were stored.
func (g *Graph) Contents(key Key) ([]byte, error) {
	v, err := g.Txn.Get(kv.Contents, key[:])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
