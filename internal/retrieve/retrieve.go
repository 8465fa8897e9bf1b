// Package retrieve reconstructs the alive content graph of a file and
// renders it as text, with conflict markers where the order of lines is
// not total.
package retrieve

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/colemickens/pijul-sub000/internal/graph"
)

// Line is one node of the retrieved graph.
type Line struct {
	Key         graph.Key
	External    graph.Key
	HalfDeleted bool
	// End marks the virtual sink every leaf leads to. It is never output.
	End bool

	ChildStart int
	ChildCount int
	SCC        int
}

// Arena holds the retrieved lines. The children of Lines[i] are
// Children[Lines[i].ChildStart : ChildStart+ChildCount], as indices into
// Lines. Lines[0] is the line retrieval started from.
type Arena struct {
	Lines    []Line
	Children []int
	// Levels is the number of strongly connected components.
	Levels int
}

// ChildrenOf returns the child indices of line i.
func (a *Arena) ChildrenOf(i int) []int {
	l := a.Lines[i]
	return a.Children[l.ChildStart : l.ChildStart+l.ChildCount]
}

// Retrieve collects every node reachable from key through undeleted
// content edges (plain and pseudo). Children are ordered by external key.
func Retrieve(g *graph.Graph, key graph.Key) (*Arena, error) {
	var lines []Line
	var adj [][]int
	index := map[graph.Key]int{}

	add := func(k graph.Key) (int, error) {
		if i, ok := index[k]; ok {
			return i, nil
		}
		ext, err := g.ExternalKey(k)
		if err != nil {
			return 0, fmt.Errorf("retrieving %s: %w", k, err)
		}
		half, err := g.IsHalfDeleted(k)
		if err != nil {
			return 0, err
		}
		index[k] = len(lines)
		lines = append(lines, Line{Key: k, External: ext, HalfDeleted: half})
		adj = append(adj, nil)
		return len(lines) - 1, nil
	}

	if _, err := add(key); err != nil {
		return nil, err
	}
	for next := 0; next < len(lines); next++ {
		var children []graph.Edge
		for _, f := range []graph.Flag{0, graph.Pseudo} {
			es, err := g.Edges(lines[next].Key, f, false)
			if err != nil {
				return nil, err
			}
			children = append(children, es...)
		}
		seen := map[graph.Key]bool{}
		for _, e := range children {
			if seen[e.Dest] {
				continue
			}
			seen[e.Dest] = true
			j, err := add(e.Dest)
			if err != nil {
				return nil, err
			}
			adj[next] = append(adj[next], j)
		}
	}
	for i := range adj {
		sort.Slice(adj[i], func(a, b int) bool {
			return bytes.Compare(lines[adj[i][a]].External[:], lines[adj[i][b]].External[:]) < 0
		})
	}

	// Every leaf, and every component nothing leaves, leads to the end.
	end := len(lines)
	lines = append(lines, Line{End: true})
	adj = append(adj, nil)
	for i := 0; i < end; i++ {
		if len(adj[i]) == 0 {
			adj[i] = append(adj[i], end)
		}
	}
	scc, n := tarjan(adj)
	exits := make([]bool, n)
	for i := range adj {
		for _, c := range adj[i] {
			if scc[c] != scc[i] {
				exits[scc[i]] = true
			}
		}
	}
	sinks := false
	for i := 0; i < end; i++ {
		if !exits[scc[i]] {
			adj[i] = append(adj[i], end)
			sinks = true
		}
	}
	if sinks {
		scc, n = tarjan(adj)
	}

	a := &Arena{Lines: lines, Levels: n}
	for i := range lines {
		a.Lines[i].SCC = scc[i]
		a.Lines[i].ChildStart = len(a.Children)
		a.Lines[i].ChildCount = len(adj[i])
		a.Children = append(a.Children, adj[i]...)
	}
	return a, nil
}

// tarjan numbers strongly connected components in completion order: a
// component gets a smaller number than every component it reaches.
func tarjan(adj [][]int) ([]int, int) {
	const unvisited = -1
	n := len(adj)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	scc := make([]int, n)
	for i := range index {
		index[i] = unvisited
	}

	type frame struct{ v, next int }
	var stack []int
	counter, comps := 0, 0

	for root := 0; root < n; root++ {
		if index[root] != unvisited {
			continue
		}
		calls := []frame{{v: root}}
		index[root], low[root] = counter, counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(calls) > 0 {
			top := &calls[len(calls)-1]
			v := top.v
			if top.next < len(adj[v]) {
				w := adj[v][top.next]
				top.next++
				switch {
				case index[w] == unvisited:
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					calls = append(calls, frame{v: w})
				case onStack[w] && index[w] < low[v]:
					low[v] = index[w]
				}
				continue
			}
			if low[v] == index[v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc[w] = comps
					if w == v {
						break
					}
				}
				comps++
			}
			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				p := calls[len(calls)-1].v
				if low[v] < low[p] {
					low[p] = low[v]
				}
			}
		}
	}
	return scc, comps
}
