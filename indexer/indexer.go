// Package indexer folds an ordered change feed into a pebble-backed
// materialized view: one reduced state row per primary key, any number
// of ordered secondary indexes derived from that state, and a durable
// high-water mark that drives replay after restart.
//
// Entries are processed strictly one at a time in feed order. The
// primary row, the secondary-index delta and the mark for an entry are
// committed in a single batch, so a crash between entries is always
// recoverable by replaying the feed from the mark.
package indexer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/utils"
	"github.com/mvayngrib/reshare/wire"
)

var (
	// ErrDrop tells the pipeline to skip the entry and move on.
	ErrDrop = errors.New("indexer: entry dropped")
	// ErrRetryLater tells the pipeline to skip the entry without
	// advancing the mark, so a replay retries it.
	ErrRetryLater = errors.New("indexer: transient lookup failure")
	// ErrNotFound reports a missing row or index entry.
	ErrNotFound = errors.New("indexer: not found")
)

type Config struct {
	// Name labels logs and metrics.
	Name string
	Log  utils.Logger
	// Filter rejects entries before any other work. Nil accepts all.
	Filter func(e *wire.Entry) bool
	// Preprocess hydrates the entry, typically resolving bodies through
	// the keeper. ErrDrop skips the entry, ErrRetryLater skips it and
	// freezes the mark, any other error stops the indexer.
	Preprocess func(ctx context.Context, e *wire.Entry) error
	// PrimaryKey returns the row key for the entry, or "" to skip it.
	PrimaryKey func(e *wire.Entry) string
	// Reduce folds the entry into the previous state (nil on first
	// observation). It must be a pure function of its arguments.
	Reduce       func(prev []byte, e *wire.Entry) ([]byte, error)
	WriteOptions *pebble.WriteOptions
}

type Indexer struct {
	db     *pebble.DB
	prefix byte
	feed   node.Changes
	cfg    Config
	log    utils.Logger

	// mu serializes batch commits against stream registration, so a
	// stream's snapshot and its live subscription never overlap or gap.
	mu      sync.Mutex
	indexes []*Index

	// stuck is set after a transient drop: later entries keep
	// committing state but the mark stays put until the next open, when
	// the dropped entry is retried.
	stuck bool

	streams sync.WaitGroup
	done    chan struct{}
}

func New(db *pebble.DB, prefix byte, feed node.Changes, cfg Config) *Indexer {
	if cfg.Log == nil {
		cfg.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if cfg.WriteOptions == nil {
		cfg.WriteOptions = &pebble.WriteOptions{Sync: false}
	}
	return &Indexer{
		db:     db,
		prefix: prefix,
		feed:   feed,
		cfg:    cfg,
		log:    cfg.Log,
		done:   make(chan struct{}),
	}
}

// By declares an ordered secondary index. All indexes must be declared
// before Start. keyfn derives the index key from a state row; returning
// false keeps the row out of the index.
func (ix *Indexer) By(name string, keyfn func(state []byte) (string, bool)) *Index {
	x := &Index{
		ix:    ix,
		id:    byte('0' + len(ix.indexes)),
		name:  name,
		keyfn: keyfn,
		subs:  make(map[*Stream]struct{}),
	}
	ix.indexes = append(ix.indexes, x)
	return x
}

// Mark reads the durable high-water mark, 0 if nothing was consumed.
func (ix *Indexer) Mark() (uint64, error) {
	val, closer, err := ix.db.Get(ix.markKey())
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("indexer: bad mark record")
	}
	return binary.BigEndian.Uint64(val), nil
}

// Get loads the current state for a primary key, nil if absent.
func (ix *Indexer) Get(pk string) ([]byte, error) {
	val, closer, err := ix.db.Get(ix.rowKey(pk))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

// Start begins tailing the feed strictly above the mark. Processing
// ends when ctx is cancelled or the feed closes; Done is closed then.
func (ix *Indexer) Start(ctx context.Context) {
	go ix.run(ctx)
}

func (ix *Indexer) Done() <-chan struct{} {
	return ix.done
}

// WaitStreams blocks until every open read stream has ended. Callers
// must cancel the stream contexts first.
func (ix *Indexer) WaitStreams() {
	ix.streams.Wait()
}

// Rows iterates all primary rows in key order.
func (ix *Indexer) Rows() iter.Seq2[string, []byte] {
	return func(yield func(pk string, state []byte) bool) {
		it, err := ix.db.NewIter(&pebble.IterOptions{
			LowerBound: []byte{ix.prefix, 'R'},
			UpperBound: []byte{ix.prefix, 'R' + 1},
		})
		if err != nil {
			ix.log.Error("failed opening row iterator", "indexer", ix.cfg.Name, "err", err)
			return
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			if !yield(string(it.Key()[2:]), bytes.Clone(it.Value())) {
				return
			}
		}
	}
}

func (ix *Indexer) run(ctx context.Context) {
	defer close(ix.done)

	mark, err := ix.Mark()
	if err != nil {
		ix.log.ErrorCtx(ctx, "failed reading mark", "indexer", ix.cfg.Name, "err", err)
		return
	}
	es, err := ix.feed.Read(ctx, mark)
	if err != nil {
		ix.log.ErrorCtx(ctx, "failed opening feed", "indexer", ix.cfg.Name, "err", err)
		return
	}
	defer es.Close()

	for {
		e, err := es.Next(ctx)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				ix.log.ErrorCtx(ctx, "feed read failed", "indexer", ix.cfg.Name, "err", err)
			}
			return
		}
		if err := ix.process(ctx, e); err != nil {
			ix.log.ErrorCtx(ctx, "entry processing failed",
				"indexer", ix.cfg.Name, "change", e.Change, "err", err)
			return
		}
	}
}

func (ix *Indexer) process(ctx context.Context, e *wire.Entry) error {
	if ix.cfg.Filter != nil && !ix.cfg.Filter(e) {
		return ix.skip(e, "filtered")
	}
	if ix.cfg.Preprocess != nil {
		err := ix.cfg.Preprocess(ctx, e)
		switch {
		case errors.Is(err, ErrRetryLater):
			ix.stuck = true
			EntriesProcessed.WithLabelValues(ix.cfg.Name, "transient").Inc()
			ix.log.DebugCtx(ctx, "transient drop, mark frozen",
				"indexer", ix.cfg.Name, "change", e.Change)
			return nil
		case errors.Is(err, ErrDrop):
			return ix.skip(e, "dropped")
		case err != nil:
			return err
		}
	}
	pk := ix.cfg.PrimaryKey(e)
	if pk == "" {
		return ix.skip(e, "no_key")
	}
	prev, err := ix.Get(pk)
	if err != nil {
		return err
	}
	next, err := ix.cfg.Reduce(prev, e)
	if errors.Is(err, ErrDrop) {
		return ix.skip(e, "dropped")
	}
	if err != nil {
		return err
	}
	if prev != nil && bytes.Equal(prev, next) {
		return ix.skip(e, "unchanged")
	}

	batch := ix.db.NewBatch()
	if err := batch.Set(ix.rowKey(pk), next, nil); err != nil {
		return err
	}
	var events []Item
	for _, x := range ix.indexes {
		var oldKey, newKey string
		var oldOk, newOk bool
		if prev != nil {
			oldKey, oldOk = x.keyfn(prev)
		}
		newKey, newOk = x.keyfn(next)
		if oldOk && (!newOk || oldKey != newKey) {
			if err := batch.Delete(x.entryKey(oldKey), nil); err != nil {
				return err
			}
			events = append(events, Item{index: x, Key: oldKey, PK: pk, Tombstone: true})
		}
		if newOk {
			if err := batch.Set(x.entryKey(newKey), []byte(pk), nil); err != nil {
				return err
			}
			events = append(events, Item{index: x, Key: newKey, PK: pk, State: next})
		}
	}
	if !ix.stuck {
		if err := batch.Set(ix.markKey(), be8(e.Change), nil); err != nil {
			return err
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.db.Apply(batch, ix.cfg.WriteOptions); err != nil {
		return err
	}
	for _, ev := range events {
		ev.index.publish(ev)
	}
	EntriesProcessed.WithLabelValues(ix.cfg.Name, "committed").Inc()
	return nil
}

func (ix *Indexer) skip(e *wire.Entry, result string) error {
	EntriesProcessed.WithLabelValues(ix.cfg.Name, result).Inc()
	if ix.stuck {
		return nil
	}
	return ix.db.Set(ix.markKey(), be8(e.Change), ix.cfg.WriteOptions)
}
