// Package reshare implements context-based message re-sharing on top of
// a peer-to-peer messaging node. Users declare that a context should be
// shared with a recipient; the engine forwards the context's past and
// future messages to them exactly once, in observation order, resuming
// correctly after restarts.
//
// All state is derived: two pebble-backed materialized views are folded
// from the node's append-only change feed and can be rebuilt from it at
// any time. The share cursor advances only when the outbound wrapper of
// a forwarded message is itself observed in the feed, which is what
// prevents re-forwarding after a restart.
package reshare

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/mvayngrib/reshare/indexer"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/utils"
	"github.com/mvayngrib/reshare/wire"
	"github.com/prometheus/client_golang/prometheus"
)

type Engine struct {
	node node.Node
	opts Options
	log  utils.Logger

	db  *pebble.DB
	dir string

	msgs      *indexer.Indexer
	shares    *indexer.Indexer
	byContext *indexer.Index
	cfr       *indexer.Index
	fwd       *forwarder

	run    context.Context
	cancel context.CancelFunc

	resolver *resolver

	closeOnce sync.Once
	closeErr  error
}

// Open starts an engine over the node's change feed, storing both views
// in one pebble database under dir. Reopening against the same dir
// resumes from the durable high-water marks.
func Open(dir string, n node.Node, opts Options) (*Engine, error) {
	opts.SetDefaults()
	db, err := pebble.Open(filepath.Join(dir, opts.Name), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	run, cancel := context.WithCancel(context.Background())
	e := &Engine{
		node:   n,
		opts:   opts,
		log:    opts.Logger,
		db:     db,
		dir:    dir,
		run:    run,
		cancel: cancel,
	}
	e.resolver, err = newResolver(run, n.Keeper(), opts.ResolverCacheSize)
	if err != nil {
		cancel()
		_ = db.Close()
		return nil, err
	}

	e.msgs = indexer.New(db, 'm', n.Changes(), e.messageConfig())
	e.byContext = e.msgs.By("context", messageContextKey)
	e.shares = indexer.New(db, 'c', n.Changes(), e.shareConfig())
	e.cfr = e.shares.By("cfr", shareCfrKey)

	if opts.Registerer != nil {
		registerAll(opts.Registerer, e.db)
	}

	worker := opts.Worker
	if worker == nil {
		worker = DefaultWorker(n)
	}
	e.fwd = newForwarder(e, worker)

	e.msgs.Start(run)
	e.shares.Start(run)
	go e.fwd.run(run)

	e.log.Info("engine open", "node", n.Name(), "dir", dir, "db", opts.Name)
	return e, nil
}

type ShareRequest struct {
	Context   string
	Recipient string
	// Seq seeds the cursor on the first share of a pair; later shares
	// never rewind it.
	Seq uint64
}

// Share declares that every message with the context, past and future,
// should be forwarded to the recipient. The control record travels
// through the feed, so the share survives restarts.
func (e *Engine) Share(ctx context.Context, req ShareRequest) error {
	if err := e.check(req.Context, req.Recipient); err != nil {
		return err
	}
	_, err := e.node.Changes().Append(ctx, &wire.Payload{
		Topic:     wire.TopicShare,
		Context:   req.Context,
		Recipient: req.Recipient,
		Seq:       req.Seq,
		Timestamp: time.Now().UnixNano(),
	})
	return err
}

type UnshareRequest struct {
	Context   string
	Recipient string
}

// Unshare stops forwarding the context to the recipient. Unsharing a
// pair that was never shared is a no-op.
func (e *Engine) Unshare(ctx context.Context, req UnshareRequest) error {
	if err := e.check(req.Context, req.Recipient); err != nil {
		return err
	}
	_, err := e.node.Changes().Append(ctx, &wire.Payload{
		Topic:     wire.TopicUnshare,
		Context:   req.Context,
		Recipient: req.Recipient,
		Timestamp: time.Now().UnixNano(),
	})
	return err
}

// Position returns the pair's cursor: the greatest change index already
// accounted for. Fails with ErrNotShared unless the pair is actively
// shared.
func (e *Engine) Position(ctx context.Context, c, recipient string) (uint64, error) {
	if err := e.check(c, recipient); err != nil {
		return 0, err
	}
	key := c + indexer.SepString + recipient + indexer.SepString
	_, state, err := e.cfr.GetOne(key)
	if errors.Is(err, indexer.ErrNotFound) {
		return 0, ErrNotShared
	}
	if err != nil {
		return 0, err
	}
	rec, err := ParseShareRecord(state)
	if err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// Seq is an alias of Position.
func (e *Engine) Seq(ctx context.Context, c, recipient string) (uint64, error) {
	return e.Position(ctx, c, recipient)
}

type MessagesRequest struct {
	Context   string
	Recipient string
	Live      bool
}

// Messages streams the context's message records still unaccounted for
// the pair, i.e. strictly above its cursor. Fails with ErrNotShared if
// the pair is not actively shared. Items carry MessageRecord TLV.
func (e *Engine) Messages(ctx context.Context, req MessagesRequest) (*indexer.Stream, error) {
	pos, err := e.Position(ctx, req.Context, req.Recipient)
	if err != nil {
		return nil, err
	}
	return e.CreateContextStream(ctx, ContextStreamOptions{
		Context: req.Context,
		Seq:     pos,
		Live:    req.Live,
	}), nil
}

type ContextStreamOptions struct {
	Context string
	// Seq is the cursor to resume above; 0 reads from the beginning.
	Seq  uint64
	Live bool
}

// CreateContextStream tails the message view for one context, in seq
// order, strictly above opts.Seq. Items carry MessageRecord TLV.
func (e *Engine) CreateContextStream(ctx context.Context, opts ContextStreamOptions) *indexer.Stream {
	return e.byContext.ReadStream(e.streamCtx(ctx), indexer.ReadOptions{
		GTE:  opts.Context + indexer.SepString + indexer.HexSeq(opts.Seq+1),
		LT:   opts.Context + indexer.SepString + "\xff",
		Old:  true,
		Live: opts.Live,
	})
}

// Context is an alias of CreateContextStream.
func (e *Engine) Context(ctx context.Context, opts ContextStreamOptions) *indexer.Stream {
	return e.CreateContextStream(ctx, opts)
}

type CursorOptions struct {
	Live bool
}

// Cursor streams the active share states, ordered by (context,
// recipient). Items carry ShareRecord TLV.
func (e *Engine) Cursor(ctx context.Context, opts CursorOptions) *indexer.Stream {
	return e.cfr.ReadStream(e.streamCtx(ctx), indexer.ReadOptions{Old: true, Live: opts.Live})
}

// Pairs iterates every share row, active or not.
func (e *Engine) Pairs() iter.Seq[*ShareRecord] {
	return func(yield func(*ShareRecord) bool) {
		for _, state := range e.shares.Rows() {
			rec, err := ParseShareRecord(state)
			if err != nil {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Close is idempotent. It cancels the forwarding sessions, view tails
// and indexers, waits for the indexers and every open read stream to
// end, then closes the database.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.msgs.Done()
		<-e.shares.Done()
		e.msgs.WaitStreams()
		e.shares.WaitStreams()
		e.closeErr = e.db.Close()
		e.log.Info("engine closed", "node", e.node.Name(), "dir", e.dir)
	})
	return e.closeErr
}

func (e *Engine) check(c, recipient string) error {
	if e.run.Err() != nil {
		return ErrClosed
	}
	if c == "" || recipient == "" {
		return ErrInvalidRequest
	}
	return nil
}

// streamCtx ties a caller stream to the engine lifetime so Close can
// end it.
func (e *Engine) streamCtx(ctx context.Context) context.Context {
	sctx, cancel := context.WithCancel(ctx)
	context.AfterFunc(e.run, cancel)
	return sctx
}

func registerAll(reg prometheus.Registerer, db *pebble.DB) {
	for _, c := range indexer.Collectors() {
		_ = reg.Register(c)
	}
	for _, c := range Collectors() {
		_ = reg.Register(c)
	}
	_ = reg.Register(NewPebbleCollector(db))
}
