package kv

const pageSize = 64

// Iter walks a table from a starting (key, value) position. Pages are
// fetched lazily with Seek, so writes made through the same transaction
// between pages are observed.
type Iter struct {
	txn   Txn
	table Table
	key   []byte
	value []byte

	page []Pair
	pos  int
	cur  Pair
	done bool
	err  error
}

// NewIter returns an iterator positioned at the first pair >= (key, value).
func NewIter(txn Txn, t Table, key, value []byte) *Iter {
	return &Iter{txn: txn, table: t, key: key, value: value}
}

// Next advances the iterator and reports whether a pair is available.
func (it *Iter) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if it.done {
			return false
		}
		page, err := it.txn.Seek(it.table, it.key, it.value, pageSize)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) < pageSize {
			it.done = true
		}
		if len(page) == 0 {
			return false
		}
		it.page = page
		it.pos = 0
		last := page[len(page)-1]
		it.key = last.Key
		it.value = successor(last.Value)
	}
	it.cur = it.page[it.pos]
	it.pos++
	return true
}

// Pair returns the current pair.
func (it *Iter) Pair() Pair { return it.cur }

// Err returns the first error met while iterating.
func (it *Iter) Err() error { return it.err }

// successor is the smallest byte string strictly greater than b.
func successor(b []byte) []byte {
	out := make([]byte, len(b)+1)
	copy(out, b)
	return out
}
