package apply

import (
	"bytes"
	"sort"

	"github.com/colemickens/pijul-sub000/internal/graph"
)

// Pseudo edges are owned by no patch: they carry the root hash as
// introducer and are a function of the real edges alone, so the order in
// which patches are applied does not change them.

// repair recomputes pseudo edges around the touched keys.
func repair(g *graph.Graph, touched []graph.Key) error {
	region, err := affected(g, touched)
	if err != nil {
		return err
	}
	for _, k := range region {
		if k.IsRoot() {
			continue
		}
		if err := fixContent(g, k); err != nil {
			return err
		}
		if err := fixFolder(g, k); err != nil {
			return err
		}
	}
	return nil
}

// affected returns the touched keys and every node whose pseudo edges may
// depend on them: descendants reached through dead nodes and, for folder
// nodes, dead ancestors.
func affected(g *graph.Graph, touched []graph.Key) ([]graph.Key, error) {
	start := map[graph.Key]bool{}
	for _, k := range touched {
		start[k] = true
	}
	seen := map[graph.Key]bool{}
	stack := append([]graph.Key(nil), touched...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true

		alive, err := g.IsAlive(n)
		if err != nil {
			return nil, err
		}
		if alive && !start[n] {
			continue
		}
		edges, err := g.AllEdges(n)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			switch {
			case e.Flag&graph.Parent == 0:
				stack = append(stack, e.Dest)
			case !alive && e.Flag&graph.Folder != 0 && e.Flag&graph.Pseudo == 0:
				stack = append(stack, e.Dest)
			}
		}
	}
	out := make([]graph.Key, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

// fixContent sets the pseudo parents of a content node: none when it is
// dead or has an alive parent, otherwise its nearest alive ancestors.
func fixContent(g *graph.Graph, d graph.Key) error {
	alive, err := g.IsAlive(d)
	if err != nil {
		return err
	}
	if !alive {
		for _, f := range []graph.Flag{graph.Pseudo, graph.Parent | graph.Pseudo} {
			edges, err := g.Edges(d, f, false)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if err := g.DelEdge(d, e); err != nil {
					return err
				}
			}
		}
		return nil
	}

	want := map[graph.Key]bool{}
	anchored, err := hasAliveParent(g, d, graph.Parent)
	if err != nil {
		return err
	}
	if !anchored {
		if want, err = aliveAncestors(g, d); err != nil {
			return err
		}
		delete(want, d)
	}
	return syncPseudoParents(g, d, graph.Parent|graph.Pseudo, want)
}

// hasAliveParent reports whether d has a real, undeleted parent record of
// flag whose target is alive.
func hasAliveParent(g *graph.Graph, d graph.Key, flag graph.Flag) (bool, error) {
	parents, err := g.Edges(d, flag, false)
	if err != nil {
		return false, err
	}
	for _, e := range parents {
		alive, err := g.IsAlive(e.Dest)
		if err != nil {
			return false, err
		}
		if alive {
			return true, nil
		}
	}
	return false, nil
}

// aliveAncestors walks up from the content parents of d through dead nodes
// and returns the first alive node met on every path.
func aliveAncestors(g *graph.Graph, d graph.Key) (map[graph.Key]bool, error) {
	found := map[graph.Key]bool{}
	seen := map[graph.Key]bool{d: true}
	stack := []graph.Key{d}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, f := range []graph.Flag{graph.Parent, graph.Parent | graph.Deleted} {
			parents, err := g.Edges(n, f, false)
			if err != nil {
				return nil, err
			}
			for _, e := range parents {
				p := e.Dest
				if seen[p] {
					continue
				}
				seen[p] = true
				alive, err := g.IsAlive(p)
				if err != nil {
					return nil, err
				}
				if alive {
					found[p] = true
				} else {
					stack = append(stack, p)
				}
			}
		}
	}
	return found, nil
}

// fixFolder keeps a deleted folder node on the path to the alive names
// below it: it gets PSEUDO|FOLDER edges from its former parents while some
// alive descendant has no other alive folder parent.
func fixFolder(g *graph.Graph, b graph.Key) error {
	want := map[graph.Key]bool{}
	alive, err := g.IsAlive(b)
	if err != nil {
		return err
	}
	if !alive {
		orphans, err := hasOrphanedDescendant(g, b)
		if err != nil {
			return err
		}
		if orphans {
			parents, err := g.Edges(b, graph.Parent|graph.Folder|graph.Deleted, false)
			if err != nil {
				return err
			}
			for _, e := range parents {
				want[e.Dest] = true
			}
		}
	}
	return syncPseudoParents(g, b, graph.Parent|graph.Folder|graph.Pseudo, want)
}

func hasOrphanedDescendant(g *graph.Graph, b graph.Key) (bool, error) {
	seen := map[graph.Key]bool{b: true}
	stack := []graph.Key{b}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, f := range []graph.Flag{graph.Folder, graph.Folder | graph.Deleted} {
			children, err := g.Edges(n, f, false)
			if err != nil {
				return false, err
			}
			for _, e := range children {
				c := e.Dest
				if seen[c] {
					continue
				}
				seen[c] = true
				alive, err := g.IsAlive(c)
				if err != nil {
					return false, err
				}
				if !alive {
					stack = append(stack, c)
					continue
				}
				anchored, err := hasAliveParent(g, c, graph.Parent|graph.Folder)
				if err != nil {
					return false, err
				}
				if !anchored {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// syncPseudoParents makes the pseudo parent records of d with the given
// flag point exactly at want.
func syncPseudoParents(g *graph.Graph, d graph.Key, flag graph.Flag, want map[graph.Key]bool) error {
	have, err := g.Edges(d, flag, false)
	if err != nil {
		return err
	}
	present := map[graph.Key]bool{}
	for _, e := range have {
		if want[e.Dest] && e.Introducer.IsRoot() {
			present[e.Dest] = true
			continue
		}
		if err := g.DelEdge(d, e); err != nil {
			return err
		}
	}
	keys := make([]graph.Key, 0, len(want))
	for k := range want {
		if !present[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	for _, a := range keys {
		// The record under d is flag; under a it is flag^Parent.
		if err := g.PutEdge(d, graph.Edge{Flag: flag, Dest: a, Introducer: graph.RootHash}); err != nil {
			return err
		}
	}
	return nil
}
