package graph

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/colemickens/pijul-sub000/internal/kv"
)

// DefaultBranch is used until another branch is selected.
const DefaultBranch = "main"

var currentBranchKey = []byte{0}

// InternalHash translates an external hash. The root hash maps to itself.
func (g *Graph) InternalHash(external Hash) (Hash, error) {
	if external.IsRoot() {
		return RootHash, nil
	}
	v, err := g.Txn.Get(kv.Internal, external[:])
	if errors.Is(err, kv.ErrNotFound) {
		return Hash{}, &InternalHashNotFoundError{Hash: external}
	}
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(v)
}

// ExternalHash translates an internal hash. The root hash maps to itself.
func (g *Graph) ExternalHash(internal Hash) (Hash, error) {
	if internal.IsRoot() {
		return RootHash, nil
	}
	v, err := g.Txn.Get(kv.External, internal[:])
	if errors.Is(err, kv.ErrNotFound) {
		return Hash{}, fmt.Errorf("%w: %s", ErrExternalHashNotFound, internal)
	}
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(v)
}

// ExternalKey translates the hash part of an internal key.
func (g *Graph) ExternalKey(k Key) (Key, error) {
	h, err := g.ExternalHash(k.Hash())
	if err != nil {
		return Key{}, err
	}
	return NewKey(h, k.Line()), nil
}

// InternalKey resolves a key as written in a patch. A key holding only a
// line number refers to the patch being applied, whose internal hash is
// self.
func (g *Graph) InternalKey(ext []byte, self Hash) (Key, error) {
	switch len(ext) {
	case LineSize:
		var k Key
		copy(k[:HashSize], self[:])
		copy(k[HashSize:], ext)
		return k, nil
	case KeySize:
		h, err := HashFromBytes(ext[:HashSize])
		if err != nil {
			return Key{}, err
		}
		internal, err := g.InternalHash(h)
		if err != nil {
			return Key{}, err
		}
		var k Key
		copy(k[:HashSize], internal[:])
		copy(k[HashSize:], ext[HashSize:])
		return k, nil
	}
	return Key{}, fmt.Errorf("patch key has %d bytes", len(ext))
}

// NewInternal returns a fresh internal hash: the big-endian successor of
// the greatest registered one.
func (g *Graph) NewInternal() (Hash, error) {
	base := RootHash
	last, err := g.Txn.Last(kv.External)
	switch {
	case err == nil:
		if base, err = HashFromBytes(last.Key); err != nil {
			return Hash{}, err
		}
	case !errors.Is(err, kv.ErrNotFound):
		return Hash{}, err
	}
	for i := HashSize - 1; i >= 0; i-- {
		base[i]++
		if base[i] != 0 {
			break
		}
	}
	return base, nil
}

// RegisterHash records both directions of an internal/external alias.
func (g *Graph) RegisterHash(internal, external Hash) error {
	if err := g.Txn.Put(kv.Internal, external[:], internal[:]); err != nil {
		return fmt.Errorf("registering internal hash: %w", err)
	}
	if err := g.Txn.Put(kv.External, internal[:], external[:]); err != nil {
		return fmt.Errorf("registering external hash: %w", err)
	}
	return nil
}

// CurrentBranch returns the selected branch name.
func (g *Graph) CurrentBranch() (string, error) {
	v, err := g.Txn.Get(kv.Branches, currentBranchKey)
	if errors.Is(err, kv.ErrNotFound) {
		return DefaultBranch, nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (g *Graph) SetCurrentBranch(name string) error {
	if err := g.Txn.Delete(kv.Branches, currentBranchKey, nil); err != nil {
		return err
	}
	return g.Txn.Put(kv.Branches, currentBranchKey, []byte(name))
}

// BranchHas reports whether the internal hash h is applied on branch.
func (g *Graph) BranchHas(branch string, h Hash) (bool, error) {
	pairs, err := g.Txn.Seek(kv.Branches, []byte(branch), h[:], 1)
	if err != nil {
		return false, err
	}
	return len(pairs) == 1 && string(pairs[0].Key) == branch && bytes.Equal(pairs[0].Value, h[:]), nil
}

func (g *Graph) AddToBranch(branch string, h Hash) error {
	return g.Txn.Put(kv.Branches, []byte(branch), h[:])
}

// BranchPatches lists the internal hashes applied on branch.
func (g *Graph) BranchPatches(branch string) ([]Hash, error) {
	var out []Hash
	it := kv.NewIter(g.Txn, kv.Branches, []byte(branch), nil)
	for it.Next() {
		p := it.Pair()
		if string(p.Key) != branch {
			break
		}
		h, err := HashFromBytes(p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, it.Err()
}

// AddRevdep records that dependent depends on dep.
func (g *Graph) AddRevdep(dep, dependent Hash) error {
	return g.Txn.Put(kv.Revdep, dep[:], dependent[:])
}

// Revdeps lists the patches depending on dep.
func (g *Graph) Revdeps(dep Hash) ([]Hash, error) {
	var out []Hash
	it := kv.NewIter(g.Txn, kv.Revdep, dep[:], nil)
	for it.Next() {
		p := it.Pair()
		if !bytes.Equal(p.Key, dep[:]) {
			break
		}
		h, err := HashFromBytes(p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, it.Err()
}
