package retrieve

import (
	"bytes"
	"io"
	"sort"

	"github.com/colemickens/pijul-sub000/internal/graph"
)

// Conflict markers. They are passed to the buffer with an empty key.
var (
	MarkerStart = []byte(">>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>>\n")
	MarkerSep   = []byte("================================\n")
	MarkerEnd   = []byte("<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<\n")
)

// LineBuffer receives rendered lines. key is empty for conflict markers.
type LineBuffer interface {
	OutputLine(key []byte, contents []byte) error
}

// LineBufferFunc adapts a function to LineBuffer.
type LineBufferFunc func(key, contents []byte) error

func (f LineBufferFunc) OutputLine(key, contents []byte) error { return f(key, contents) }

// WriterBuffer writes contents to W.
type WriterBuffer struct {
	W io.Writer
}

func (w WriterBuffer) OutputLine(_ []byte, contents []byte) error {
	_, err := w.W.Write(contents)
	return err
}

// Lines collects rendered lines with their keys.
type Lines struct {
	Keys     [][]byte
	Contents [][]byte
}

func (l *Lines) OutputLine(key, contents []byte) error {
	l.Keys = append(l.Keys, append([]byte(nil), key...))
	l.Contents = append(l.Contents, append([]byte(nil), contents...))
	return nil
}

// OutputFile retrieves the graph under key and renders it to buf.
func OutputFile(g *graph.Graph, key graph.Key, buf LineBuffer) error {
	a, err := Retrieve(g, key)
	if err != nil {
		return err
	}
	return Output(g, a, buf)
}

// Output renders the arena level by level, from the root component down.
// A level holding one line that no edge jumps over is printed as is; every
// other run of levels down to the next such line is a conflict, printed as
// one arm per path through it. An edge that another path between the same
// two lines already covers (the old x -> y edge after a line was inserted
// between x and y) does not count as a jump.
func Output(g *graph.Graph, a *Arena, buf LineBuffer) error {
	levels := make([][]int, a.Levels)
	counts := make([]int, a.Levels)
	for i, l := range a.Lines {
		levels[l.SCC] = append(levels[l.SCC], i)
		counts[l.SCC]++
	}
	for i, l := range a.Lines {
		for _, c := range a.ChildrenOf(i) {
			lo := a.Lines[c].SCC + 1
			if lo >= l.SCC || implied(a, i, c) {
				continue
			}
			for j := lo; j < l.SCC; j++ {
				counts[j]++
			}
		}
	}

	plain := func(level int) bool {
		if counts[level] != 1 {
			return false
		}
		l := a.Lines[levels[level][0]]
		return l.End || !l.HalfDeleted
	}

	for i := a.Levels - 1; i > 0; {
		if plain(i) {
			if err := emit(g, buf, a.Lines[levels[i][0]].Key); err != nil {
				return err
			}
			i--
			continue
		}
		k := i - 1
		for !plain(k) {
			k--
		}
		if err := outputConflict(g, a, buf, k, i); err != nil {
			return err
		}
		i = k
	}
	return nil
}

// implied reports whether to is reachable from a child of from other than
// to itself. Only lines whose level is at least the level of to can lie on
// such a path.
func implied(a *Arena, from, to int) bool {
	floor := a.Lines[to].SCC
	visited := map[int]bool{from: true}
	var stack []int
	push := func(i int) {
		if visited[i] || a.Lines[i].SCC < floor {
			return
		}
		visited[i] = true
		stack = append(stack, i)
	}
	for _, d := range a.ChildrenOf(from) {
		if d != to {
			push(d)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, d := range a.ChildrenOf(n) {
			push(d)
		}
	}
	return false
}

func emit(g *graph.Graph, buf LineBuffer, key graph.Key) error {
	contents, err := g.Contents(key)
	if err != nil {
		return err
	}
	return buf.OutputLine(key[:], contents)
}

// outputConflict prints the lines whose level is in (low, high].
func outputConflict(g *graph.Graph, a *Arena, buf LineBuffer, low, high int) error {
	inZone := func(i int) bool {
		s := a.Lines[i].SCC
		return s > low && s <= high
	}

	var starts []int
	isStart := map[int]bool{}
	for i := range a.Lines {
		if a.Lines[i].SCC <= high {
			continue
		}
		for _, c := range a.ChildrenOf(i) {
			if inZone(c) && !isStart[c] {
				isStart[c] = true
				starts = append(starts, c)
			}
		}
	}
	if len(starts) == 0 {
		for i := range a.Lines {
			if a.Lines[i].SCC == high {
				starts = append(starts, i)
			}
		}
	}
	sort.Slice(starts, func(x, y int) bool {
		return bytes.Compare(a.Lines[starts[x]].External[:], a.Lines[starts[y]].External[:]) < 0
	})

	// Depth-first over the zone with an explicit stack. A half-deleted line
	// is tried left out first, then kept.
	type frame struct {
		node  int
		paths [][]int
		v, c  int
	}
	var (
		arms   [][]int
		stack  []frame
		seen   = map[string]bool{}
		onPath = map[int]bool{}
	)
	push := func(i int, path []int) {
		onPath[i] = true
		f := frame{node: i}
		if a.Lines[i].HalfDeleted {
			f.paths = append(f.paths, path)
		}
		f.paths = append(f.paths, append(path[:len(path):len(path)], i))
		stack = append(stack, f)
	}
	for _, s := range starts {
		push(s, nil)
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.v == len(f.paths) {
				delete(onPath, f.node)
				stack = stack[:len(stack)-1]
				continue
			}
			children := a.ChildrenOf(f.node)
			if f.c == len(children) {
				f.v++
				f.c = 0
				continue
			}
			c, path := children[f.c], f.paths[f.v]
			f.c++
			switch {
			case !inZone(c):
				id := armID(a, path)
				if !seen[id] {
					seen[id] = true
					arms = append(arms, path)
				}
			case !onPath[c]:
				push(c, path)
			}
		}
	}

	if err := buf.OutputLine(nil, MarkerStart); err != nil {
		return err
	}
	for n, arm := range arms {
		if n > 0 {
			if err := buf.OutputLine(nil, MarkerSep); err != nil {
				return err
			}
		}
		for _, i := range arm {
			if err := emit(g, buf, a.Lines[i].Key); err != nil {
				return err
			}
		}
	}
	return buf.OutputLine(nil, MarkerEnd)
}

func armID(a *Arena, path []int) string {
	var b bytes.Buffer
	for _, i := range path {
		b.Write(a.Lines[i].Key[:])
	}
	return b.String()
}
