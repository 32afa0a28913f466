package indexer

import (
	"context"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Stream emits index items in two phases: existing entries read from a
// snapshot, then live entries in commit order. Registration and
// snapshot creation happen under the indexer's commit lock, so the
// phases neither overlap nor gap.
type Stream struct {
	x    *Index
	opts ReadOptions
	lo   string
	hi   string

	items chan Item

	mu     sync.Mutex
	buf    []Item
	signal chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// ReadStream opens a bounded read over the index. The returned channel
// closes when the old phase ends (Live false), ctx ends, the stream is
// closed, or a storage error occurs (see Err).
func (x *Index) ReadStream(ctx context.Context, opts ReadOptions) *Stream {
	lo, hi := opts.bounds()
	s := &Stream{
		x:      x,
		opts:   opts,
		lo:     lo,
		hi:     hi,
		items:  make(chan Item),
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	ix := x.ix
	ix.mu.Lock()
	if opts.Live {
		x.subs[s] = struct{}{}
	}
	var snap *pebble.Snapshot
	if opts.Old {
		snap = ix.db.NewSnapshot()
	}
	ix.mu.Unlock()
	ix.streams.Add(1)
	go func() {
		defer ix.streams.Done()
		s.run(ctx, snap)
	}()
	return s
}

// C is the item channel. Range over it; it closes when the stream ends.
func (s *Stream) C() <-chan Item {
	return s.items
}

// Err reports why the stream ended, nil on a clean close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// offer is called under ix.mu with a committed index mutation.
func (s *Stream) offer(it Item) {
	if it.Key < s.lo || (s.hi != "" && it.Key >= s.hi) {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, it)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Stream) emit(ctx context.Context, it Item) bool {
	select {
	case s.items <- it:
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

func (s *Stream) run(ctx context.Context, snap *pebble.Snapshot) {
	defer func() {
		if s.opts.Live {
			s.x.ix.mu.Lock()
			delete(s.x.subs, s)
			s.x.ix.mu.Unlock()
		}
		close(s.items)
	}()

	if snap != nil {
		if !s.runOld(ctx, snap) {
			return
		}
	}
	if !s.opts.Live {
		return
	}
	for {
		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
		s.mu.Lock()
		pend := s.buf
		s.buf = nil
		s.mu.Unlock()
		for _, it := range pend {
			if !s.emit(ctx, it) {
				return
			}
		}
	}
}

func (s *Stream) runOld(ctx context.Context, snap *pebble.Snapshot) bool {
	defer snap.Close()
	it, err := snap.NewIter(s.x.iterBounds(s.lo, s.hi))
	if err != nil {
		s.fail(err)
		return false
	}
	defer it.Close()
	step := it.Next
	valid := it.First()
	if s.opts.Reverse {
		step = it.Prev
		valid = it.Last()
	}
	for ; valid; valid = step() {
		item, err := s.x.itemAt(snap, it.Key(), it.Value())
		if err != nil {
			s.fail(err)
			return false
		}
		if !s.emit(ctx, item) {
			return false
		}
	}
	return true
}
