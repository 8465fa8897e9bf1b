// Package patch defines patches, their dependencies, their wire encoding
// and the on-disk patch store.
package patch

import (
	"bytes"
	"sort"
	"time"

	"github.com/colemickens/pijul-sub000/internal/graph"
)

// Patch is a set of graph edits plus the external hashes it depends on.
// Name, description, authors and timestamp are carried but never
// interpreted by the engine.
type Patch struct {
	Authors      []map[string]string `cbor:"authors"`
	Name         string              `cbor:"name"`
	Description  string              `cbor:"description,omitempty"`
	Timestamp    int64               `cbor:"timestamp"`
	Dependencies []graph.Hash        `cbor:"dependencies"`
	Changes      []Change            `cbor:"changes"`
}

// Change holds exactly one of NewNodes or Edges.
type Change struct {
	NewNodes *NewNodes `cbor:"new_nodes,omitempty"`
	Edges    *Edges    `cbor:"edges,omitempty"`
}

// NewNodes introduces len(Nodes) nodes numbered from LineNum, chained with
// edges of Flag. External keys are 24 bytes, or 4 bytes (a line number)
// when they refer to a node of the same patch.
type NewNodes struct {
	UpContext   [][]byte   `cbor:"up"`
	DownContext [][]byte   `cbor:"down"`
	Flag        graph.Flag `cbor:"flag"`
	LineNum     uint32     `cbor:"line"`
	Nodes       [][]byte   `cbor:"nodes"`
}

// Edges rewrites existing edges.
type Edges struct {
	Edges []Edge `cbor:"edges"`
}

// Edge sets the flag of the edge From -> To introduced by IntroducedBy.
type Edge struct {
	From         []byte     `cbor:"from"`
	To           []byte     `cbor:"to"`
	Flag         graph.Flag `cbor:"flag"`
	IntroducedBy graph.Hash `cbor:"introduced_by"`
}

// Meta is the descriptive part of a patch.
type Meta struct {
	Name        string
	Description string
	Authors     []string
	Timestamp   time.Time
}

// New builds a patch from changes and computes its dependencies.
func New(meta Meta, changes []Change) *Patch {
	var authors []map[string]string
	for _, a := range meta.Authors {
		authors = append(authors, map[string]string{"name": a})
	}
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Patch{
		Authors:      authors,
		Name:         meta.Name,
		Description:  meta.Description,
		Timestamp:    ts.Unix(),
		Dependencies: Dependencies(changes),
		Changes:      changes,
	}
}

// Dependencies returns the external hashes referenced by changes, other
// than the patch itself and the root, sorted.
func Dependencies(changes []Change) []graph.Hash {
	seen := map[graph.Hash]bool{}
	push := func(k []byte) {
		if len(k) <= graph.LineSize {
			return
		}
		h, err := graph.HashFromBytes(k[:len(k)-graph.LineSize])
		if err != nil || h.IsRoot() {
			return
		}
		seen[h] = true
	}
	for _, c := range changes {
		switch {
		case c.NewNodes != nil:
			for _, k := range c.NewNodes.UpContext {
				push(k)
			}
			for _, k := range c.NewNodes.DownContext {
				push(k)
			}
		case c.Edges != nil:
			for _, e := range c.Edges.Edges {
				push(e.From)
				push(e.To)
				if !e.IntroducedBy.IsRoot() {
					seen[e.IntroducedBy] = true
				}
			}
		}
	}
	out := make([]graph.Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
