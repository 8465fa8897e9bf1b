// Package kv provides the transactional, ordered key-value store that backs
// the pristine. Keys and values are raw bytes; "dup" tables hold several
// values per key, ordered byte-lexicographically.
package kv

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrTxnDone        = errors.New("transaction already finished")
	ErrUnknownBackend = errors.New("unknown kv backend")
)

// Table names one of the logical tables of the pristine.
type Table uint8

const (
	Nodes Table = iota + 1
	Contents
	Internal
	External
	Branches
	Revdep
	Tree
	Revtree
	Inodes
	Revinodes
)

// Tables lists every logical table in creation order.
var Tables = []Table{Nodes, Contents, Internal, External, Branches, Revdep, Tree, Revtree, Inodes, Revinodes}

func (t Table) String() string {
	switch t {
	case Nodes:
		return "nodes"
	case Contents:
		return "contents"
	case Internal:
		return "internal"
	case External:
		return "external"
	case Branches:
		return "branches"
	case Revdep:
		return "revdep"
	case Tree:
		return "tree"
	case Revtree:
		return "revtree"
	case Inodes:
		return "inodes"
	case Revinodes:
		return "revinodes"
	}
	return fmt.Sprintf("table(%d)", uint8(t))
}

// Dup reports whether the table stores multiple values per key.
func (t Table) Dup() bool {
	switch t {
	case Nodes, Branches, Revdep, Tree:
		return true
	}
	return false
}

// Pair is a single (key, value) record.
type Pair struct {
	Key   []byte
	Value []byte
}

// Txn is a write transaction. Nested transactions obtained with Begin see
// the parent's writes; aborting one discards only its own writes.
type Txn interface {
	// Get returns the first value stored under key, or ErrNotFound.
	Get(t Table, key []byte) ([]byte, error)
	// Put inserts (key, value). In a dup table an existing identical pair is
	// left alone; in other tables the previous value is replaced.
	Put(t Table, key, value []byte) error
	// Delete removes (key, value). A nil value removes every value of key.
	Delete(t Table, key, value []byte) error
	// Seek returns at most limit pairs at or after (key, value) in
	// (key, value) order.
	Seek(t Table, key, value []byte, limit int) ([]Pair, error)
	// Last returns the greatest pair of the table, or ErrNotFound.
	Last(t Table) (Pair, error)
	// Drop empties the table.
	Drop(t Table) error
	Begin() (Txn, error)
	Commit() error
	Abort() error
}

// Env is an open store.
type Env interface {
	Begin() (Txn, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "sqlite" (default) or "badger".
	Backend string
	// Path is the directory holding the store files.
	Path string
	// Logger receives backend diagnostics.
	Logger *logrus.Logger
}

// Open opens (creating if needed) the store described by cfg.
func Open(cfg Config) (Env, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	switch cfg.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg)
	case "badger":
		return OpenBadger(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
