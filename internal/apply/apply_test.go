package apply

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/kv"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Unix(1700000000, 0)

func openEnv(t *testing.T) kv.Env {
	t.Helper()
	env, err := kv.Open(kv.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func beginGraph(t require.TestingT, env kv.Env) (*graph.Graph, kv.Txn) {
	txn, err := env.Begin()
	require.NoError(t, err)
	return graph.New(txn, nil), txn
}

func applyPatch(t require.TestingT, g *graph.Graph, p *patch.Patch) graph.Hash {
	ext, _, err := patch.Hash(p)
	require.NoError(t, err)
	internal, err := g.NewInternal()
	require.NoError(t, err)
	require.NoError(t, g.RegisterHash(internal, ext))
	require.NoError(t, Apply(g, p, internal, graph.DefaultBranch))
	return ext
}

func extKey(h graph.Hash, line uint32) []byte {
	k := graph.NewKey(h, line)
	return k[:]
}

// basePatch adds a file "f" with the given lines. Line i lives at 3+i.
func basePatch(lines ...string) *patch.Patch {
	var nodes [][]byte
	for _, l := range lines {
		nodes = append(nodes, []byte(l+"\n"))
	}
	changes := []patch.Change{
		{NewNodes: &patch.NewNodes{
			UpContext: [][]byte{graph.RootKey[:]},
			Flag:      graph.Folder,
			LineNum:   1,
			Nodes:     [][]byte{{0x01, 0xa4, 'f'}, {}},
		}},
		{NewNodes: &patch.NewNodes{
			UpContext: [][]byte{graph.LineBytes(2)},
			LineNum:   3,
			Nodes:     nodes,
		}},
	}
	return patch.New(patch.Meta{Name: "base", Timestamp: epoch}, changes)
}

func deletePatch(name string, base graph.Hash, lines ...int) *patch.Patch {
	var edges []patch.Edge
	for _, i := range lines {
		edges = append(edges, patch.Edge{
			From:         extKey(base, uint32(3+i)),
			To:           extKey(base, uint32(2+i)),
			Flag:         graph.Parent | graph.Deleted,
			IntroducedBy: base,
		})
	}
	return patch.New(patch.Meta{Name: name, Timestamp: epoch}, []patch.Change{{Edges: &patch.Edges{Edges: edges}}})
}

func insertPatch(name string, base graph.Hash, after, total int, text string) *patch.Patch {
	nn := &patch.NewNodes{
		UpContext: [][]byte{extKey(base, uint32(3+after))},
		LineNum:   1,
		Nodes:     [][]byte{[]byte(text + "\n")},
	}
	if after+1 < total {
		nn.DownContext = [][]byte{extKey(base, uint32(3+after+1))}
	}
	return patch.New(patch.Meta{Name: name, Timestamp: epoch}, []patch.Change{{NewNodes: nn}})
}

// dump lists every record of the graph with keys and introducers
// translated to external hashes, so that pristines built in different
// orders can be compared.
func dump(t require.TestingT, g *graph.Graph, txn kv.Txn) []string {
	var out []string
	it := kv.NewIter(txn, kv.Nodes, nil, nil)
	for it.Next() {
		p := it.Pair()
		k, err := graph.KeyFromBytes(p.Key)
		require.NoError(t, err)
		e, err := graph.DecodeEdge(p.Value)
		require.NoError(t, err)
		from, err := g.ExternalKey(k)
		require.NoError(t, err)
		to, err := g.ExternalKey(e.Dest)
		require.NoError(t, err)
		intro, err := g.ExternalHash(e.Introducer)
		require.NoError(t, err)
		out = append(out, fmt.Sprintf("%s %s %s %s", from, e.Flag, to, intro))
	}
	require.NoError(t, it.Err())
	sort.Strings(out)
	return out
}

// checkMirrors asserts that every record has its mirror.
func checkMirrors(t require.TestingT, g *graph.Graph, txn kv.Txn) {
	it := kv.NewIter(txn, kv.Nodes, nil, nil)
	for it.Next() {
		p := it.Pair()
		k, _ := graph.KeyFromBytes(p.Key)
		e, _ := graph.DecodeEdge(p.Value)
		ok, err := g.HasEdge(e.Dest, e.Mirror(k))
		require.NoError(t, err)
		require.True(t, ok, "record %s %s %s has no mirror", k, e.Flag, e.Dest)
	}
	require.NoError(t, it.Err())
}

// checkPseudoEndsAlive asserts that content pseudo edges only join alive
// nodes.
func checkPseudoEndsAlive(t require.TestingT, g *graph.Graph, txn kv.Txn) {
	it := kv.NewIter(txn, kv.Nodes, nil, nil)
	for it.Next() {
		p := it.Pair()
		k, _ := graph.KeyFromBytes(p.Key)
		e, _ := graph.DecodeEdge(p.Value)
		if e.Flag != graph.Pseudo {
			continue
		}
		for _, n := range []graph.Key{k, e.Dest} {
			alive, err := g.IsAlive(n)
			require.NoError(t, err)
			require.True(t, alive, "pseudo edge touches dead node %s", n)
		}
	}
}

// reachable returns the nodes reachable from the root through undeleted
// child edges.
func reachable(t require.TestingT, g *graph.Graph) map[graph.Key]bool {
	seen := map[graph.Key]bool{graph.RootKey: true}
	stack := []graph.Key{graph.RootKey}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		edges, err := g.AllEdges(n)
		require.NoError(t, err)
		for _, e := range edges {
			if e.Flag&(graph.Parent|graph.Deleted) != 0 || seen[e.Dest] {
				continue
			}
			seen[e.Dest] = true
			stack = append(stack, e.Dest)
		}
	}
	return seen
}

func TestApplyWritesMirroredEdges(t *testing.T) {
	env := openEnv(t)
	g, txn := beginGraph(t, env)
	defer txn.Abort()

	base := applyPatch(t, g, basePatch("a", "b", "c"))
	checkMirrors(t, g, txn)

	internal, err := g.InternalHash(base)
	require.NoError(t, err)
	for i := uint32(3); i <= 5; i++ {
		alive, err := g.IsAlive(graph.NewKey(internal, i))
		require.NoError(t, err)
		assert.True(t, alive, "line %d", i)
		c, _ := g.Contents(graph.NewKey(internal, i))
		assert.NotEmpty(t, c)
	}
	name, _ := g.Contents(graph.NewKey(internal, 1))
	assert.Equal(t, []byte{0x01, 0xa4, 'f'}, name)

	err = Apply(g, basePatch("a", "b", "c"), internal, graph.DefaultBranch)
	assert.ErrorIs(t, err, ErrAlreadyApplied)
}

func TestDeletionAddsPseudoEdge(t *testing.T) {
	env := openEnv(t)
	g, txn := beginGraph(t, env)
	defer txn.Abort()

	base := applyPatch(t, g, basePatch("a", "b", "c"))
	applyPatch(t, g, deletePatch("del-b", base, 1))

	internal, _ := g.InternalHash(base)
	a, b, c := graph.NewKey(internal, 3), graph.NewKey(internal, 4), graph.NewKey(internal, 5)

	alive, _ := g.IsAlive(b)
	assert.False(t, alive)
	ok, err := g.HasEdge(a, graph.Edge{Flag: graph.Pseudo, Dest: c, Introducer: graph.RootHash})
	require.NoError(t, err)
	assert.True(t, ok, "expected pseudo edge a -> c")

	r := reachable(t, g)
	assert.True(t, r[c])
	assert.False(t, r[b])
	checkMirrors(t, g, txn)
	checkPseudoEndsAlive(t, g, txn)
}

func TestResurrectionRemovesPseudoEdge(t *testing.T) {
	env := openEnv(t)
	g, txn := beginGraph(t, env)
	defer txn.Abort()

	base := applyPatch(t, g, basePatch("a", "b", "c"))
	applyPatch(t, g, deletePatch("del-b", base, 1))

	undo := deletePatch("undo", base, 1)
	undo.Changes[0].Edges.Edges[0].Flag = graph.Parent
	applyPatch(t, g, undo)

	internal, _ := g.InternalHash(base)
	a, b, c := graph.NewKey(internal, 3), graph.NewKey(internal, 4), graph.NewKey(internal, 5)
	alive, _ := g.IsAlive(b)
	assert.True(t, alive)
	ok, _ := g.HasEdge(a, graph.Edge{Flag: graph.Pseudo, Dest: c, Introducer: graph.RootHash})
	assert.False(t, ok, "pseudo edge should be gone after resurrection")
	checkMirrors(t, g, txn)
}

func TestInsertAfterDeletedLineIsReachable(t *testing.T) {
	env := openEnv(t)
	g, txn := beginGraph(t, env)
	defer txn.Abort()

	base := applyPatch(t, g, basePatch("x", "y", "z"))
	applyPatch(t, g, deletePatch("del-y", base, 1))
	ins := applyPatch(t, g, insertPatch("after-y", base, 1, 3, "Y"))

	insInternal, _ := g.InternalHash(ins)
	y := graph.NewKey(insInternal, 1)
	alive, _ := g.IsAlive(y)
	require.True(t, alive)
	assert.True(t, reachable(t, g)[y], "inserted line must stay reachable")
	checkPseudoEndsAlive(t, g, txn)
}

func TestDeleteDirectoryKeepsConcurrentFile(t *testing.T) {
	env := openEnv(t)
	g, txn := beginGraph(t, env)
	defer txn.Abort()

	dir := patch.New(patch.Meta{Name: "dir", Timestamp: epoch}, []patch.Change{{NewNodes: &patch.NewNodes{
		UpContext: [][]byte{graph.RootKey[:]},
		Flag:      graph.Folder,
		LineNum:   1,
		Nodes:     [][]byte{{0x03, 0xed, 'd'}, {}},
	}}})
	d := applyPatch(t, g, dir)

	// Remove the directory: both folder edges die.
	rm := patch.New(patch.Meta{Name: "rm", Timestamp: epoch}, []patch.Change{{Edges: &patch.Edges{Edges: []patch.Edge{
		{From: extKey(d, 2), To: extKey(d, 1), Flag: graph.Parent | graph.Folder | graph.Deleted, IntroducedBy: d},
		{From: extKey(d, 1), To: graph.RootKey[:], Flag: graph.Parent | graph.Folder | graph.Deleted, IntroducedBy: d},
	}}}})
	applyPatch(t, g, rm)

	// A concurrent file added inside the directory.
	file := patch.New(patch.Meta{Name: "file", Timestamp: epoch}, []patch.Change{{NewNodes: &patch.NewNodes{
		UpContext: [][]byte{extKey(d, 2)},
		Flag:      graph.Folder,
		LineNum:   1,
		Nodes:     [][]byte{{0x01, 0xa4, 'f'}, {}},
	}}})
	f := applyPatch(t, g, file)

	dInt, _ := g.InternalHash(d)
	fInt, _ := g.InternalHash(f)
	r := reachable(t, g)
	assert.True(t, r[graph.NewKey(fInt, 1)], "file name must stay reachable through the deleted directory")
	assert.True(t, r[graph.NewKey(dInt, 1)])
	checkMirrors(t, g, txn)
}

func TestApplyCommutes(t *testing.T) {
	env := openEnv(t)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 5).Draw(rt, "lines")
		lines := make([]string, n)
		for i := range lines {
			lines[i] = fmt.Sprintf("l%d", i)
		}
		base := basePatch(lines...)
		baseHash, _, err := patch.Hash(base)
		require.NoError(rt, err)

		k := rapid.IntRange(2, 3).Draw(rt, "patches")
		var ps []*patch.Patch
		for i := 0; i < k; i++ {
			name := fmt.Sprintf("p%d", i)
			if rapid.Bool().Draw(rt, "delete"+name) {
				del := rapid.SliceOfNDistinct(rapid.IntRange(0, n-1), 1, n, rapid.ID[int]).Draw(rt, "del"+name)
				sort.Ints(del)
				ps = append(ps, deletePatch(name, baseHash, del...))
			} else {
				after := rapid.IntRange(0, n-1).Draw(rt, "after"+name)
				ps = append(ps, insertPatch(name, baseHash, after, n, "new "+name))
			}
		}
		seed := rapid.Int64().Draw(rt, "seed")
		perm := rand.New(rand.NewSource(seed)).Perm(k)

		run := func(order []int) []string {
			g, txn := beginGraph(rt, env)
			defer txn.Abort()
			applyPatch(rt, g, base)
			for _, i := range order {
				applyPatch(rt, g, ps[i])
			}
			checkMirrors(rt, g, txn)
			checkPseudoEndsAlive(rt, g, txn)
			return dump(rt, g, txn)
		}

		identity := make([]int, k)
		for i := range identity {
			identity[i] = i
		}
		assert.Equal(rt, run(identity), run(perm))
	})
}
