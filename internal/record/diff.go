package record

import (
	"bytes"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/colemickens/pijul-sub000/internal/retrieve"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// splitLines cuts b after every newline. The last line may lack one.
func splitLines(b []byte) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			out = append(out, b)
			break
		}
		out = append(out, b[:i+1])
		b = b[i+1:]
	}
	return out
}

// linesToRunes maps every distinct line to one rune so that the diff runs
// over lines. Surrogate code points are skipped.
func linesToRunes(a, b [][]byte) ([]rune, []rune) {
	ids := map[string]rune{}
	conv := func(lines [][]byte) []rune {
		out := make([]rune, len(lines))
		for i, l := range lines {
			r, ok := ids[string(l)]
			if !ok {
				n := len(ids)
				if n < 0xd800 {
					r = rune(n)
				} else {
					r = rune(n + 0x800)
				}
				ids[string(l)] = r
			}
			out[i] = r
		}
		return out
	}
	return conv(a), conv(b)
}

type op struct {
	equal   bool
	deleted int
	added   int
}

// align returns the alignment of a and b as runs of equal lines and hunks.
func align(a, b [][]byte) []op {
	ra, rb := linesToRunes(a, b)
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	var ops []op
	for _, d := range dmp.DiffMainRunes(ra, rb, false) {
		n := len([]rune(d.Text))
		if n == 0 {
			continue
		}
		if d.Type == diffmatchpatch.DiffEqual {
			ops = append(ops, op{equal: true, deleted: n})
			continue
		}
		if len(ops) == 0 || ops[len(ops)-1].equal {
			ops = append(ops, op{})
		}
		h := &ops[len(ops)-1]
		if d.Type == diffmatchpatch.DiffDelete {
			h.deleted += n
		} else {
			h.added += n
		}
	}
	return ops
}

// diff compares the rendered graph under placeholder with the contents of
// the working-copy file and emits the changes turning one into the other.
func (r *recorder) diff(placeholder graph.Key, contents []byte) error {
	var rendered retrieve.Lines
	if err := retrieve.OutputFile(r.g, placeholder, &rendered); err != nil {
		return err
	}
	var keys [][]byte
	var linesA [][]byte
	for i, k := range rendered.Keys {
		if bytes.Equal(k, placeholder[:]) {
			continue
		}
		keys = append(keys, k)
		linesA = append(linesA, rendered.Contents[i])
	}
	linesB := splitLines(contents)

	up, err := r.g.ExternalKey(placeholder)
	if err != nil {
		return err
	}
	ia, ib := 0, 0
	for _, o := range align(linesA, linesB) {
		if o.equal {
			for j := 0; j < o.deleted; j++ {
				if len(keys[ia]) > 0 {
					k, err := r.external(keys[ia])
					if err != nil {
						return err
					}
					up = k
				}
				ia++
				ib++
			}
			continue
		}

		var edges []patch.Edge
		for j := ia; j < ia+o.deleted; j++ {
			if len(keys[j]) == 0 {
				continue
			}
			es, err := r.deleteEdges(keys[j])
			if err != nil {
				return err
			}
			edges = append(edges, es...)
		}
		if len(edges) > 0 {
			r.changes = append(r.changes, patch.Change{Edges: &patch.Edges{Edges: edges}})
		}

		if o.added > 0 {
			nn := &patch.NewNodes{
				UpContext: [][]byte{append([]byte(nil), up[:]...)},
				LineNum:   r.lineNum,
				Nodes:     copyLines(linesB[ib : ib+o.added]),
			}
			if next := ia + o.deleted; next < len(keys) && len(keys[next]) > 0 {
				down, err := r.external(keys[next])
				if err != nil {
					return err
				}
				nn.DownContext = [][]byte{down[:]}
			}
			r.changes = append(r.changes, patch.Change{NewNodes: nn})
			r.lineNum += uint32(o.added)
		}
		ia += o.deleted
		ib += o.added
	}
	return nil
}

// deleteEdges returns the changes deleting every live parent edge of the
// line with internal key k.
func (r *recorder) deleteEdges(k []byte) ([]patch.Edge, error) {
	key, err := graph.KeyFromBytes(k)
	if err != nil {
		return nil, err
	}
	from, err := r.g.ExternalKey(key)
	if err != nil {
		return nil, err
	}
	var out []patch.Edge
	for _, f := range []graph.Flag{graph.Parent, graph.Parent | graph.Folder} {
		parents, err := r.g.Edges(key, f, false)
		if err != nil {
			return nil, err
		}
		for _, e := range parents {
			to, err := r.g.ExternalKey(e.Dest)
			if err != nil {
				return nil, err
			}
			intro, err := r.g.ExternalHash(e.Introducer)
			if err != nil {
				return nil, err
			}
			out = append(out, patch.Edge{
				From:         append([]byte(nil), from[:]...),
				To:           append([]byte(nil), to[:]...),
				Flag:         f | graph.Deleted,
				IntroducedBy: intro,
			})
		}
	}
	return out, nil
}

func (r *recorder) external(k []byte) (graph.Key, error) {
	key, err := graph.KeyFromBytes(k)
	if err != nil {
		return graph.Key{}, err
	}
	return r.g.ExternalKey(key)
}

func copyLines(lines [][]byte) [][]byte {
	out := make([][]byte, len(lines))
	for i, l := range lines {
		out[i] = append([]byte(nil), l...)
	}
	return out
}
