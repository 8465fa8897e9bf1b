package graph

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/colemickens/pijul-sub000/internal/kv"
)

func setupTestGraph(t *testing.T) (*Graph, func()) {
	t.Helper()
	env, err := kv.Open(kv.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("opening env: %v", err)
	}
	txn, err := env.Begin()
	if err != nil {
		env.Close()
		t.Fatalf("beginning txn: %v", err)
	}
	cleanup := func() {
		txn.Abort()
		env.Close()
	}
	return New(txn, nil), cleanup
}

func hashN(n byte) Hash {
	var h Hash
	h[HashSize-1] = n
	return h
}

func TestEdgeRoundTrip(t *testing.T) {
	e := Edge{Flag: Parent | Folder, Dest: NewKey(hashN(3), 7), Introducer: hashN(9)}
	got, err := DecodeEdge(e.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != e {
		t.Fatalf("got %+v, want %+v", got, e)
	}
	if _, err := DecodeEdge([]byte{1, 2}); err == nil {
		t.Fatal("expected error for short record")
	}
}

func TestPutEdgeWritesMirror(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	a, b := NewKey(hashN(1), 1), NewKey(hashN(1), 2)
	if err := g.PutEdge(a, Edge{Flag: 0, Dest: b, Introducer: hashN(1)}); err != nil {
		t.Fatalf("put edge: %v", err)
	}
	up, err := g.Edges(b, Parent, false)
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(up) != 1 || up[0].Dest != a || up[0].Introducer != hashN(1) {
		t.Fatalf("mirror not found: %+v", up)
	}

	alive, err := g.IsAlive(b)
	if err != nil || !alive {
		t.Fatalf("b should be alive: %v %v", alive, err)
	}

	if err := g.DelEdge(a, Edge{Flag: 0, Dest: b, Introducer: hashN(1)}); err != nil {
		t.Fatalf("del edge: %v", err)
	}
	all, _ := g.AllEdges(b)
	if len(all) != 0 {
		t.Fatalf("mirror left behind: %+v", all)
	}
}

func TestIsAliveAndHalfDeleted(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	if alive, _ := g.IsAlive(RootKey); !alive {
		t.Fatal("root must be alive")
	}

	p1, p2, n := NewKey(hashN(1), 1), NewKey(hashN(1), 2), NewKey(hashN(1), 3)
	g.PutEdge(p1, Edge{Flag: Deleted, Dest: n, Introducer: hashN(2)})
	if alive, _ := g.IsAlive(n); alive {
		t.Fatal("node with only deleted parents must be dead")
	}
	g.PutEdge(p2, Edge{Flag: 0, Dest: n, Introducer: hashN(1)})
	if alive, _ := g.IsAlive(n); !alive {
		t.Fatal("node with a live parent must be alive")
	}
	if half, _ := g.IsHalfDeleted(n); !half {
		t.Fatal("node should be half-deleted")
	}

	f := NewKey(hashN(1), 4)
	g.PutEdge(RootKey, Edge{Flag: Folder, Dest: f, Introducer: hashN(1)})
	if alive, _ := g.IsAlive(f); !alive {
		t.Fatal("folder node with a live folder parent must be alive")
	}
	pseudoOnly := NewKey(hashN(1), 5)
	g.PutEdge(p1, Edge{Flag: Pseudo, Dest: pseudoOnly, Introducer: RootHash})
	if alive, _ := g.IsAlive(pseudoOnly); alive {
		t.Fatal("pseudo parents do not make a node alive")
	}
}

func TestEdgesFiltersByFlag(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	src := NewKey(hashN(1), 1)
	for i, f := range []Flag{0, Pseudo, Folder, Deleted} {
		g.PutEdge(src, Edge{Flag: f, Dest: NewKey(hashN(2), uint32(i)), Introducer: hashN(1)})
	}
	plain, _ := g.Edges(src, 0, false)
	if len(plain) != 1 {
		t.Fatalf("got %d plain edges, want 1", len(plain))
	}
	withPseudo, _ := g.Edges(src, 0, true)
	if len(withPseudo) != 2 {
		t.Fatalf("got %d edges with pseudo, want 2", len(withPseudo))
	}
	del, _ := g.Edges(src, Deleted, false)
	if len(del) != 1 || del[0].Dest != NewKey(hashN(2), 3) {
		t.Fatalf("deleted edges: %+v", del)
	}
}

func TestHashTranslation(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	first, err := g.NewInternal()
	if err != nil {
		t.Fatalf("new internal: %v", err)
	}
	if first != hashN(1) {
		t.Fatalf("first internal hash = %s", first)
	}
	ext := hashN(200)
	if err := g.RegisterHash(first, ext); err != nil {
		t.Fatalf("register: %v", err)
	}
	second, _ := g.NewInternal()
	if second != hashN(2) {
		t.Fatalf("second internal hash = %s", second)
	}

	if got, _ := g.InternalHash(ext); got != first {
		t.Fatalf("internal of ext = %s", got)
	}
	if got, _ := g.ExternalHash(first); got != ext {
		t.Fatalf("external of internal = %s", got)
	}
	var missing *InternalHashNotFoundError
	if _, err := g.InternalHash(hashN(77)); !errors.As(err, &missing) {
		t.Fatalf("expected InternalHashNotFoundError, got %v", err)
	}

	self := hashN(5)
	k, err := g.InternalKey(LineBytes(3), self)
	if err != nil || k != NewKey(self, 3) {
		t.Fatalf("local key: %s %v", k, err)
	}
	extKey := NewKey(ext, 4)
	k, err = g.InternalKey(extKey[:], self)
	if err != nil || k != NewKey(first, 4) {
		t.Fatalf("external key: %s %v", k, err)
	}
}

func TestNewInternalCarries(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	h := hashN(0xff)
	g.RegisterHash(h, hashN(1))
	next, _ := g.NewInternal()
	want := Hash{}
	want[HashSize-2] = 1
	if next != want {
		t.Fatalf("got %s, want %s", next, want)
	}
}

func TestBranches(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	if b, _ := g.CurrentBranch(); b != DefaultBranch {
		t.Fatalf("default branch = %q", b)
	}
	g.SetCurrentBranch("dev")
	if b, _ := g.CurrentBranch(); b != "dev" {
		t.Fatalf("current branch = %q", b)
	}
	g.AddToBranch("dev", hashN(1))
	g.AddToBranch("dev", hashN(2))
	g.AddToBranch("main", hashN(3))
	if ok, _ := g.BranchHas("dev", hashN(2)); !ok {
		t.Fatal("dev should contain patch 2")
	}
	if ok, _ := g.BranchHas("main", hashN(2)); ok {
		t.Fatal("main should not contain patch 2")
	}
	ps, _ := g.BranchPatches("dev")
	if len(ps) != 2 {
		t.Fatalf("dev patches: %v", ps)
	}
}

func TestTreeAndInodes(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	dir := Inode{1}
	file := Inode{2}
	g.PutTree(RootInode, "src", dir)
	g.PutTree(dir, "main.go", file)

	children, err := g.TreeChildren(RootInode)
	if err != nil || len(children) != 1 || children[0].Name != "src" {
		t.Fatalf("root children: %+v %v", children, err)
	}
	parent, name, ok, _ := g.TreeParent(file)
	if !ok || parent != dir || name != "main.go" {
		t.Fatalf("tree parent: %s %q %v", parent, name, ok)
	}
	got, ok, _ := g.Lookup(dir, "main.go")
	if !ok || got != file {
		t.Fatalf("lookup: %s %v", got, ok)
	}

	rec := InodeRecord{Status: StatusMoved, Perms: 0o644, Key: NewKey(hashN(1), 2)}
	g.PutInode(file, rec)
	back, ok, _ := g.GetInode(file)
	if !ok || back != rec {
		t.Fatalf("inode record: %+v", back)
	}
	g.PutRevinode(rec.Key, file)
	if i, ok, _ := g.GetRevinode(rec.Key); !ok || i != file {
		t.Fatalf("revinode: %s", i)
	}

	g.DelTree(dir, "main.go", file)
	if _, ok, _ := g.Lookup(dir, "main.go"); ok {
		t.Fatal("entry still present")
	}
}

func TestDebugDot(t *testing.T) {
	g, cleanup := setupTestGraph(t)
	defer cleanup()

	k := NewKey(hashN(1), 1)
	g.PutEdge(RootKey, Edge{Flag: Folder, Dest: k, Introducer: hashN(1)})
	g.PutContents(k, []byte("hello"))

	var buf bytes.Buffer
	if err := g.Debug(&buf); err != nil {
		t.Fatalf("debug: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "digraph") || !strings.Contains(out, "hello") || !strings.Contains(out, "->") {
		t.Fatalf("unexpected dot output:\n%s", out)
	}
}
