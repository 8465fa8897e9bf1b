// Package graph gives typed access to the pristine: the node/edge graph,
// hash translation tables, branches, and the inode tree.
package graph

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	HashSize  = 20
	LineSize  = 4
	KeySize   = HashSize + LineSize
	InodeSize = 16
	EdgeSize  = 1 + KeySize + HashSize
)

// Flag holds the bits of an edge record.
type Flag uint8

const (
	Pseudo  Flag = 1
	Folder  Flag = 2
	Parent  Flag = 4
	Deleted Flag = 8
)

func (f Flag) String() string {
	s := ""
	for _, b := range []struct {
		f Flag
		c string
	}{{Pseudo, "P"}, {Folder, "F"}, {Parent, "U"}, {Deleted, "D"}} {
		if f&b.f != 0 {
			s += b.c
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// DirectoryFlag marks a directory in the permission prefix of a name node.
const (
	DirectoryFlag uint16 = 0x200
	PermMask      uint16 = 0x1ff
)

// Hash identifies a patch, either by its external (content) hash or by the
// short internal handle assigned when it is applied.
type Hash [HashSize]byte

// RootHash is the hash of the virtual root patch. It is its own internal
// and external alias.
var RootHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsRoot() bool { return h == RootHash }

// HashFromBytes copies a 20-byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("hash has %d bytes, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decoding hash %q: %w", s, err)
	}
	return HashFromBytes(b)
}

// Key identifies a node: the hash of the patch that introduced it and a
// little-endian line number within that patch.
type Key [KeySize]byte

// RootKey is the root of the whole graph.
var RootKey Key

func NewKey(h Hash, line uint32) Key {
	var k Key
	copy(k[:HashSize], h[:])
	binary.LittleEndian.PutUint32(k[HashSize:], line)
	return k
}

// KeyFromBytes copies a 24-byte slice into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("key has %d bytes, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) Hash() Hash {
	var h Hash
	copy(h[:], k[:HashSize])
	return h
}

func (k Key) Line() uint32 { return binary.LittleEndian.Uint32(k[HashSize:]) }

func (k Key) IsRoot() bool { return k == RootKey }

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// LineBytes encodes a line number the way it is stored in keys.
func LineBytes(n uint32) []byte {
	b := make([]byte, LineSize)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// Inode is a stable handle for a working-copy file.
type Inode [InodeSize]byte

// RootInode is the repository root directory.
var RootInode Inode

func (i Inode) String() string { return hex.EncodeToString(i[:]) }

func InodeFromBytes(b []byte) (Inode, error) {
	var i Inode
	if len(b) != InodeSize {
		return i, fmt.Errorf("inode has %d bytes, want %d", len(b), InodeSize)
	}
	copy(i[:], b)
	return i, nil
}

// Edge is one record of the nodes table, stored under its source key.
type Edge struct {
	Flag       Flag
	Dest       Key
	Introducer Hash
}

// Bytes encodes the record as flag ‖ dest ‖ introducer.
func (e Edge) Bytes() []byte {
	b := make([]byte, EdgeSize)
	b[0] = byte(e.Flag)
	copy(b[1:], e.Dest[:])
	copy(b[1+KeySize:], e.Introducer[:])
	return b
}

// Mirror returns the record stored under e.Dest for an edge from src.
func (e Edge) Mirror(src Key) Edge {
	return Edge{Flag: e.Flag ^ Parent, Dest: src, Introducer: e.Introducer}
}

func DecodeEdge(b []byte) (Edge, error) {
	if len(b) != EdgeSize {
		return Edge{}, fmt.Errorf("edge record has %d bytes, want %d", len(b), EdgeSize)
	}
	var e Edge
	e.Flag = Flag(b[0])
	copy(e.Dest[:], b[1:1+KeySize])
	copy(e.Introducer[:], b[1+KeySize:])
	return e, nil
}

// Inode statuses.
const (
	StatusOK      uint8 = 0
	StatusMoved   uint8 = 1
	StatusDeleted uint8 = 2
)

// InodeRecord is the value of the inodes table.
type InodeRecord struct {
	Status uint8
	Perms  uint16
	Key    Key
}

func (r InodeRecord) Bytes() []byte {
	b := make([]byte, 3+KeySize)
	b[0] = r.Status
	binary.BigEndian.PutUint16(b[1:3], r.Perms)
	copy(b[3:], r.Key[:])
	return b
}

func DecodeInodeRecord(b []byte) (InodeRecord, error) {
	if len(b) != 3+KeySize {
		return InodeRecord{}, fmt.Errorf("inode record has %d bytes, want %d", len(b), 3+KeySize)
	}
	r := InodeRecord{Status: b[0], Perms: binary.BigEndian.Uint16(b[1:3])}
	copy(r.Key[:], b[3:])
	return r, nil
}

// IsDir reports whether perms carry the directory bit.
func IsDir(perms uint16) bool { return perms&DirectoryFlag != 0 }
