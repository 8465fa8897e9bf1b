package inode

import (
	"errors"
	"testing"

	"github.com/colemickens/pijul-sub000/internal/graph"
	"github.com/colemickens/pijul-sub000/internal/kv"
	"github.com/colemickens/pijul-sub000/internal/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T) (*Tree, *graph.Graph) {
	t.Helper()
	env, err := kv.Open(kv.Config{Path: t.TempDir()})
	require.NoError(t, err)
	txn, err := env.Begin()
	require.NoError(t, err)
	t.Cleanup(func() {
		txn.Abort()
		env.Close()
	})
	g := graph.New(txn, nil)
	return New(g), g
}

func TestAddFileCreatesParents(t *testing.T) {
	tr, _ := setupTree(t)
	require.NoError(t, tr.AddFile("a/b/c.txt"))

	files, err := tr.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a/b/c.txt"}, files)

	err = tr.AddFile("a/b/c.txt")
	assert.ErrorIs(t, err, ErrAlreadyAdded)
}

func TestInvalidPaths(t *testing.T) {
	tr, _ := setupTree(t)
	for _, p := range []string{"", ".", "..", "../x"} {
		err := tr.AddFile(p)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
	}
}

func TestResolveMissing(t *testing.T) {
	tr, _ := setupTree(t)
	_, _, _, err := tr.Resolve("nope")
	var notIn *FileNotInRepoError
	require.True(t, errors.As(err, &notIn))
	assert.Equal(t, "nope", notIn.Path)
}

func TestMoveFileMarksRecordedInode(t *testing.T) {
	tr, g := setupTree(t)
	require.NoError(t, tr.AddFile("x"))
	_, _, ino, err := tr.Resolve("x")
	require.NoError(t, err)

	key := graph.NewKey(graph.Hash{1}, 2)
	require.NoError(t, g.PutInode(ino, graph.InodeRecord{Perms: 0o644, Key: key}))

	require.NoError(t, tr.MoveFile("x", "d/y"))
	_, _, moved, err := tr.Resolve("d/y")
	require.NoError(t, err)
	assert.Equal(t, ino, moved)

	rec, ok, err := g.GetInode(ino)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, graph.StatusMoved, rec.Status)

	name, ok, err := tr.FilenameOfInode(ino)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d/y", name)
}

func TestMoveDirectoryCarriesChildren(t *testing.T) {
	tr, _ := setupTree(t)
	require.NoError(t, tr.AddFile("d/a"))
	_, _, child, err := tr.Resolve("d/a")
	require.NoError(t, err)

	require.NoError(t, tr.MoveFile("d", "e"))
	_, _, moved, err := tr.Resolve("e/a")
	require.NoError(t, err)
	assert.Equal(t, child, moved)

	files, err := tr.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "e/a"}, files)
}

func TestMoveFileOntoExisting(t *testing.T) {
	tr, _ := setupTree(t)
	require.NoError(t, tr.AddFile("x"))
	require.NoError(t, tr.AddFile("y"))
	assert.ErrorIs(t, tr.MoveFile("x", "y"), ErrAlreadyAdded)
}

func TestRemoveFile(t *testing.T) {
	tr, g := setupTree(t)
	require.NoError(t, tr.AddFile("d/recorded"))
	require.NoError(t, tr.AddFile("d/fresh"))
	_, _, rec, err := tr.Resolve("d/recorded")
	require.NoError(t, err)
	require.NoError(t, g.PutInode(rec, graph.InodeRecord{Perms: 0o644, Key: graph.NewKey(graph.Hash{1}, 4)}))
	_, _, dir, err := tr.Resolve("d")
	require.NoError(t, err)
	require.NoError(t, g.PutInode(dir, graph.InodeRecord{Perms: 0o755 | graph.DirectoryFlag, Key: graph.NewKey(graph.Hash{1}, 2)}))

	require.NoError(t, tr.RemoveFile("d"))

	files, err := tr.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)

	// The recorded file is still in the tree so that record sees it.
	_, _, again, err := tr.Resolve("d/recorded")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	_, _, _, err = tr.Resolve("d/fresh")
	assert.Error(t, err)
}

func TestSyncFileAdditions(t *testing.T) {
	tr, g := setupTree(t)
	require.NoError(t, tr.AddFile("f"))
	_, _, local, err := tr.Resolve("f")
	require.NoError(t, err)

	changes := []patch.Change{
		{NewNodes: &patch.NewNodes{
			UpContext: [][]byte{graph.RootKey[:]},
			Flag:      graph.Folder,
			LineNum:   1,
			Nodes:     [][]byte{{0x01, 0xa4, 'f'}, {}},
		}},
		{NewNodes: &patch.NewNodes{
			UpContext: [][]byte{graph.RootKey[:]},
			Flag:      graph.Folder,
			LineNum:   3,
			Nodes:     [][]byte{{0x03, 0xed, 'd'}, {}},
		}},
	}
	internal := graph.Hash{7}
	require.NoError(t, tr.SyncFileAdditions(changes, Updates{2: local}, internal))

	rec, ok, err := g.GetInode(local)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, graph.NewKey(internal, 2), rec.Key)
	assert.Equal(t, uint16(0o644), rec.Perms)

	ino, ok, err := g.GetRevinode(graph.NewKey(internal, 4))
	require.NoError(t, err)
	require.True(t, ok)
	rec, ok, err = g.GetInode(ino)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, graph.IsDir(rec.Perms))
}

func TestSyncPurgesDeleted(t *testing.T) {
	tr, g := setupTree(t)
	require.NoError(t, tr.AddFile("gone"))
	_, _, ino, err := tr.Resolve("gone")
	require.NoError(t, err)
	key := graph.NewKey(graph.Hash{1}, 2)
	require.NoError(t, g.PutInode(ino, graph.InodeRecord{Perms: 0o644, Key: key}))
	require.NoError(t, g.PutRevinode(key, ino))
	require.NoError(t, tr.RemoveFile("gone"))

	require.NoError(t, tr.SyncFileAdditions(nil, nil, graph.Hash{2}))

	_, ok, err := g.GetInode(ino)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, _, err = tr.Resolve("gone")
	assert.Error(t, err)
}
