package indexer

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// Index is an ordered secondary index over the view's state rows.
type Index struct {
	ix    *Indexer
	id    byte
	name  string
	keyfn func(state []byte) (string, bool)

	// subs is guarded by ix.mu.
	subs map[*Stream]struct{}
}

func (x *Index) Name() string {
	return x.name
}

// Item is one index emission: a state row reachable under Key, or a
// tombstone when the row left the index.
type Item struct {
	Key       string
	PK        string
	State     []byte
	Tombstone bool

	index *Index
}

// ReadOptions bounds an index read. At most one of GT/GTE and one of
// LT/LTE may be set; Eq is shorthand for an exact single-key read.
// Old emits existing entries, Live keeps emitting as new entries
// commit; Reverse applies to the old phase only.
type ReadOptions struct {
	GT, GTE, LT, LTE string
	Eq               string
	Old              bool
	Live             bool
	Reverse          bool
}

func (o *ReadOptions) bounds() (lo, hi string) {
	if o.Eq != "" {
		return o.Eq, o.Eq + SepString
	}
	switch {
	case o.GT != "":
		lo = o.GT + SepString
	case o.GTE != "":
		lo = o.GTE
	}
	switch {
	case o.LT != "":
		hi = o.LT
	case o.LTE != "":
		hi = o.LTE + SepString
	}
	return
}

// GetOne reads the single row filed under an exact index key.
func (x *Index) GetOne(key string) (pk string, state []byte, err error) {
	val, closer, err := x.ix.db.Get(x.entryKey(key))
	if err == pebble.ErrNotFound {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	pk = string(val)
	closer.Close()
	state, err = x.ix.Get(pk)
	if err != nil {
		return "", nil, err
	}
	if state == nil {
		return "", nil, ErrNotFound
	}
	return pk, state, nil
}

// publish is called under ix.mu for every committed index mutation.
func (x *Index) publish(it Item) {
	for s := range x.subs {
		s.offer(it)
	}
}

func (x *Index) iterBounds(lo, hi string) *pebble.IterOptions {
	lower := x.entryKey(lo)
	var upper []byte
	if hi == "" {
		upper = x.entryKeyEnd()
	} else {
		upper = x.entryKey(hi)
	}
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func (x *Index) itemAt(snap pebble.Reader, key, pk []byte) (Item, error) {
	state, closer, err := snap.Get(x.ix.rowKey(string(pk)))
	if err != nil {
		return Item{}, err
	}
	it := Item{
		Key:   string(key[3:]),
		PK:    string(pk),
		State: bytes.Clone(state),
	}
	closer.Close()
	return it, nil
}
