package indexer

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Sep separates key fragments inside secondary-index keys. It must not
// appear in any fragment composed into a key; HexSeq output is plain
// ASCII hex, and contexts/recipients are required to be NUL-free.
const Sep byte = 0x00

// SepString is Sep as a one-byte string, for composing key fragments.
const SepString = "\x00"

// HexSeq encodes a change index as fixed-width hex so that the
// lexicographic order of encodings matches the numeric order of values.
// Writers and readers of an index must agree on it.
func HexSeq(n uint64) string {
	return fmt.Sprintf("%016x", n)
}

func ParseHexSeq(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

func be8(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Keyspace layout, one prefix byte per indexer:
//
//	{prefix, 'R'} + pk          primary row, reduced state
//	{prefix, 'I', id} + key     secondary index row, value is pk
//	{prefix, 'M'}               high-water mark, big-endian change index

func (ix *Indexer) rowKey(pk string) []byte {
	key := []byte{ix.prefix, 'R'}
	return append(key, pk...)
}

func (ix *Indexer) markKey() []byte {
	return []byte{ix.prefix, 'M'}
}

func (x *Index) entryKey(key string) []byte {
	k := []byte{x.ix.prefix, 'I', x.id}
	return append(k, key...)
}

// entryKeyEnd is the exclusive upper bound of this index's subspace.
func (x *Index) entryKeyEnd() []byte {
	return []byte{x.ix.prefix, 'I', x.id + 1}
}
