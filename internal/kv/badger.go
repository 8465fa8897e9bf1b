package kv

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerEnv is a pristine stored in a Badger keyspace. All tables share the
// keyspace: an entry key is the table byte, the escaped record key, a
// terminator and, in dup tables, the record value.
type BadgerEnv struct {
	db  *badger.DB
	log *logrus.Logger
}

// OpenBadger opens or creates a Badger store in cfg.Path.
func OpenBadger(cfg Config) (*BadgerEnv, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	log.WithField("path", cfg.Path).Debug("opened badger pristine")
	return &BadgerEnv{db: db, log: log}, nil
}

func (e *BadgerEnv) Begin() (Txn, error) {
	return &badgerTxn{txn: e.db.NewTransaction(true)}, nil
}

func (e *BadgerEnv) Close() error {
	return e.db.Close()
}

// undo restores one entry to its state before a write.
type undo struct {
	key     []byte
	value   []byte
	existed bool
}

type badgerTxn struct {
	txn     *badger.Txn
	parent  *badgerTxn
	journal []undo
	done    bool
}

var terminator = []byte{0x00, 0x01}

// encodeKey escapes key so that byte order of the encoding matches the
// order of (key, value) pairs.
func encodeKey(t Table, key []byte) []byte {
	out := make([]byte, 0, len(key)+4)
	out = append(out, byte(t))
	for _, b := range key {
		if b == 0 {
			out = append(out, 0x00, 0xff)
		} else {
			out = append(out, b)
		}
	}
	return append(out, terminator...)
}

func encodeEntry(t Table, key, value []byte) []byte {
	k := encodeKey(t, key)
	if t.Dup() {
		k = append(k, value...)
	}
	return k
}

func decodeEntry(t Table, entry []byte) (key, value []byte, err error) {
	key = []byte{}
	for i := 1; i < len(entry); i++ {
		b := entry[i]
		if b != 0 {
			key = append(key, b)
			continue
		}
		if i+1 >= len(entry) {
			break
		}
		switch entry[i+1] {
		case 0xff:
			key = append(key, 0)
			i++
		case 0x01:
			return key, append([]byte{}, entry[i+2:]...), nil
		default:
			return nil, nil, fmt.Errorf("corrupt %s entry", t)
		}
	}
	return nil, nil, fmt.Errorf("unterminated %s entry", t)
}

func (t *badgerTxn) record(entry []byte) error {
	if t.parent == nil {
		return nil
	}
	item, err := t.txn.Get(entry)
	if errors.Is(err, badger.ErrKeyNotFound) {
		t.journal = append(t.journal, undo{key: entry})
		return nil
	}
	if err != nil {
		return err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	t.journal = append(t.journal, undo{key: entry, value: v, existed: true})
	return nil
}

func (t *badgerTxn) set(entry, value []byte) error {
	if err := t.record(entry); err != nil {
		return err
	}
	return t.txn.Set(entry, value)
}

func (t *badgerTxn) del(entry []byte) error {
	if err := t.record(entry); err != nil {
		return err
	}
	return t.txn.Delete(entry)
}

func (t *badgerTxn) Get(tbl Table, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if tbl.Dup() {
		pairs, err := t.Seek(tbl, key, nil, 1)
		if err != nil {
			return nil, err
		}
		if len(pairs) == 0 || !bytes.Equal(pairs[0].Key, key) {
			return nil, ErrNotFound
		}
		return pairs[0].Value, nil
	}
	item, err := t.txn.Get(encodeKey(tbl, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting from %s: %w", tbl, err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("reading %s value: %w", tbl, err)
	}
	return nonNil(v), nil
}

func (t *badgerTxn) Put(tbl Table, key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	var err error
	if tbl.Dup() {
		err = t.set(encodeEntry(tbl, key, value), []byte{})
	} else {
		err = t.set(encodeKey(tbl, key), nonNil(value))
	}
	if err != nil {
		return fmt.Errorf("putting into %s: %w", tbl, err)
	}
	return nil
}

func (t *badgerTxn) Delete(tbl Table, key, value []byte) error {
	if t.done {
		return ErrTxnDone
	}
	if !tbl.Dup() {
		if value != nil {
			cur, err := t.Get(tbl, key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !bytes.Equal(cur, value) {
				return nil
			}
		}
		if err := t.del(encodeKey(tbl, key)); err != nil {
			return fmt.Errorf("deleting from %s: %w", tbl, err)
		}
		return nil
	}
	if value != nil {
		if err := t.del(encodeEntry(tbl, key, value)); err != nil {
			return fmt.Errorf("deleting from %s: %w", tbl, err)
		}
		return nil
	}
	entries, err := t.scan(encodeKey(tbl, key), encodeKey(tbl, key), 0, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := t.del(e.Key); err != nil {
			return fmt.Errorf("deleting from %s: %w", tbl, err)
		}
	}
	return nil
}

// scan collects raw entries starting at start whose keys share prefix.
// limit 0 means no limit.
func (t *badgerTxn) scan(start, prefix []byte, limit int, values bool) ([]Pair, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []Pair
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		p := Pair{Key: item.KeyCopy(nil)}
		if values {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, err
			}
			p.Value = v
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *badgerTxn) Seek(tbl Table, key, value []byte, limit int) ([]Pair, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	prefix := []byte{byte(tbl)}
	if tbl.Dup() {
		entries, err := t.scan(encodeEntry(tbl, key, value), prefix, limit, false)
		if err != nil {
			return nil, fmt.Errorf("seeking %s: %w", tbl, err)
		}
		out := make([]Pair, 0, len(entries))
		for _, e := range entries {
			k, v, err := decodeEntry(tbl, e.Key)
			if err != nil {
				return nil, err
			}
			out = append(out, Pair{Key: k, Value: v})
		}
		return out, nil
	}

	// One extra entry covers a first key whose value sorts below value.
	entries, err := t.scan(encodeKey(tbl, key), prefix, limit+1, true)
	if err != nil {
		return nil, fmt.Errorf("seeking %s: %w", tbl, err)
	}
	out := make([]Pair, 0, len(entries))
	for _, e := range entries {
		k, _, err := decodeEntry(tbl, e.Key)
		if err != nil {
			return nil, err
		}
		v := nonNil(e.Value)
		if bytes.Equal(k, key) && bytes.Compare(v, nonNil(value)) < 0 {
			continue
		}
		out = append(out, Pair{Key: k, Value: v})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *badgerTxn) Last(tbl Table) (Pair, error) {
	if t.done {
		return Pair{}, ErrTxnDone
	}
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := t.txn.NewIterator(opts)
	defer it.Close()

	it.Seek([]byte{byte(tbl) + 1})
	if !it.ValidForPrefix([]byte{byte(tbl)}) {
		return Pair{}, ErrNotFound
	}
	item := it.Item()
	k, v, err := decodeEntry(tbl, item.KeyCopy(nil))
	if err != nil {
		return Pair{}, err
	}
	if !tbl.Dup() {
		if v, err = item.ValueCopy(nil); err != nil {
			return Pair{}, fmt.Errorf("reading last of %s: %w", tbl, err)
		}
	}
	return Pair{Key: k, Value: nonNil(v)}, nil
}

func (t *badgerTxn) Drop(tbl Table) error {
	if t.done {
		return ErrTxnDone
	}
	prefix := []byte{byte(tbl)}
	entries, err := t.scan(prefix, prefix, 0, false)
	if err != nil {
		return fmt.Errorf("dropping %s: %w", tbl, err)
	}
	for _, e := range entries {
		if err := t.del(e.Key); err != nil {
			return fmt.Errorf("dropping %s: %w", tbl, err)
		}
	}
	return nil
}

func (t *badgerTxn) Begin() (Txn, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	return &badgerTxn{txn: t.txn, parent: t}, nil
}

func (t *badgerTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.parent != nil {
		if t.parent.parent != nil {
			t.parent.journal = append(t.parent.journal, t.journal...)
		}
		return nil
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (t *badgerTxn) Abort() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.txn.Discard()
		return nil
	}
	for i := len(t.journal) - 1; i >= 0; i-- {
		u := t.journal[i]
		var err error
		if u.existed {
			err = t.txn.Set(u.key, u.value)
		} else {
			err = t.txn.Delete(u.key)
		}
		if err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
	}
	return nil
}
