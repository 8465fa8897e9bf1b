// Package apply writes patches into the graph and keeps every alive node
// reachable from the root with pseudo edges.
package apply

import (
	"errors"
	"fmt"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyApplied = errors.New("patch already applied")

// Apply applies p, whose internal hash is internal, to branch. The caller
// owns the transaction behind g.
func Apply(g *graph.Graph, p *patch.Patch, internal graph.Hash, branch string) error {
	applied, err := g.BranchHas(branch, internal)
	if err != nil {
		return fmt.Errorf("checking branch: %w", err)
	}
	if applied {
		return ErrAlreadyApplied
	}
	if err := g.AddToBranch(branch, internal); err != nil {
		return fmt.Errorf("adding to branch: %w", err)
	}

	touched, err := writeChanges(g, p, internal)
	if err != nil {
		return err
	}
	if err := repair(g, touched); err != nil {
		return fmt.Errorf("repairing reachability: %w", err)
	}

	for _, dep := range p.Dependencies {
		d, err := g.InternalHash(dep)
		if err != nil {
			return fmt.Errorf("resolving dependency: %w", err)
		}
		if err := g.AddRevdep(d, internal); err != nil {
			return fmt.Errorf("writing revdep: %w", err)
		}
	}
	g.Log.WithFields(logrus.Fields{
		"internal": internal.String(),
		"changes":  len(p.Changes),
		"branch":   branch,
	}).Debug("applied patch")
	return nil
}

// writeChanges performs the first pass: every edge and node of the patch
// is written. It returns every key it touched.
func writeChanges(g *graph.Graph, p *patch.Patch, internal graph.Hash) ([]graph.Key, error) {
	var touched []graph.Key
	for i, c := range p.Changes {
		switch {
		case c.Edges != nil:
			for _, e := range c.Edges.Edges {
				from, err := g.InternalKey(e.From, internal)
				if err != nil {
					return nil, fmt.Errorf("change %d: %w", i, err)
				}
				to, err := g.InternalKey(e.To, internal)
				if err != nil {
					return nil, fmt.Errorf("change %d: %w", i, err)
				}
				intro, err := g.InternalHash(e.IntroducedBy)
				if err != nil {
					return nil, fmt.Errorf("change %d: %w", i, err)
				}
				old := graph.Edge{Flag: e.Flag ^ graph.Deleted, Dest: to, Introducer: intro}
				if err := g.DelEdge(from, old); err != nil {
					return nil, err
				}
				if err := g.PutEdge(from, graph.Edge{Flag: e.Flag, Dest: to, Introducer: intro}); err != nil {
					return nil, err
				}
				touched = append(touched, from, to)
			}

		case c.NewNodes != nil:
			nn := c.NewNodes
			if len(nn.Nodes) == 0 {
				continue
			}
			keys := make([]graph.Key, len(nn.Nodes))
			for j := range nn.Nodes {
				keys[j] = graph.NewKey(internal, nn.LineNum+uint32(j))
			}
			for _, up := range nn.UpContext {
				u, err := g.InternalKey(up, internal)
				if err != nil {
					return nil, fmt.Errorf("change %d: %w", i, err)
				}
				if alive, err := g.IsAlive(u); err != nil {
					return nil, err
				} else if !alive {
					g.Log.WithField("key", u.String()).Debug("up context is dead")
				}
				if err := g.PutEdge(u, graph.Edge{Flag: nn.Flag, Dest: keys[0], Introducer: internal}); err != nil {
					return nil, err
				}
				touched = append(touched, u)
			}
			for j, k := range keys {
				if err := g.PutContents(k, nn.Nodes[j]); err != nil {
					return nil, err
				}
				if j > 0 {
					if err := g.PutEdge(keys[j-1], graph.Edge{Flag: nn.Flag, Dest: k, Introducer: internal}); err != nil {
						return nil, err
					}
				}
			}
			last := keys[len(keys)-1]
			for _, down := range nn.DownContext {
				d, err := g.InternalKey(down, internal)
				if err != nil {
					return nil, fmt.Errorf("change %d: %w", i, err)
				}
				if alive, err := g.IsAlive(d); err != nil {
					return nil, err
				} else if !alive {
					g.Log.WithField("key", d.String()).Debug("down context is dead")
				}
				if err := g.PutEdge(last, graph.Edge{Flag: nn.Flag, Dest: d, Introducer: internal}); err != nil {
					return nil, err
				}
				touched = append(touched, d)
			}
			touched = append(touched, keys...)
		}
	}
	return touched, nil
}
