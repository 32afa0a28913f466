package reshare

import (
	"context"

	"github.com/mvayngrib/reshare/indexer"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// Forward describes one delivery the worker must perform.
type Forward struct {
	Context   string
	Recipient string
	Link      string
	Permalink string
}

// Worker delivers one forward. It must return exactly once per
// invocation and tolerate duplicate inputs across crash boundaries;
// the cursor only advances once the outbound wrapper re-enters the
// feed.
type Worker func(ctx context.Context, f Forward) error

// DefaultWorker delivers through the node's send path.
func DefaultWorker(n node.Node) Worker {
	return func(ctx context.Context, f Forward) error {
		return n.Send(ctx, node.SendRequest{Link: f.Link, To: f.Recipient})
	}
}

type session struct {
	cancel context.CancelFunc
}

// forwarder keeps one live-tailing session per active pair. The
// inflight map is process-local; two engines over one database are
// unsupported.
type forwarder struct {
	e        *Engine
	worker   Worker
	inflight *xsync.MapOf[string, *session]
}

func newForwarder(e *Engine, worker Worker) *forwarder {
	return &forwarder{
		e:        e,
		worker:   worker,
		inflight: xsync.NewMapOf[string, *session](),
	}
}

func (f *forwarder) run(ctx context.Context) {
	st := f.e.cfr.ReadStream(ctx, indexer.ReadOptions{Old: true, Live: true})
	for it := range st.C() {
		if it.Tombstone {
			f.cancelPair(it.PK)
			continue
		}
		rec, err := ParseShareRecord(it.State)
		if err != nil {
			f.e.log.ErrorCtx(ctx, "bad share record in cfr index", "key", it.Key, "err", err)
			continue
		}
		if !rec.Active {
			// the index excludes inactive rows, but guard against leaks
			f.cancelPair(it.PK)
			continue
		}
		f.ensure(ctx, rec)
	}
}

func (f *forwarder) cancelPair(pk string) {
	if s, ok := f.inflight.LoadAndDelete(pk); ok {
		s.cancel()
		SessionCount.Dec()
	}
}

func (f *forwarder) ensure(ctx context.Context, rec *ShareRecord) {
	key := PairKey(rec.Context, rec.Recipient)
	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}
	if _, loaded := f.inflight.LoadOrStore(key, s); loaded {
		cancel()
		return
	}
	SessionCount.Inc()
	go f.runSession(sctx, key, s, rec)
}

func (f *forwarder) runSession(ctx context.Context, key string, s *session, rec *ShareRecord) {
	defer func() {
		// remove the session only if it is still the registered one
		f.inflight.Compute(key, func(old *session, loaded bool) (*session, bool) {
			if loaded && old == s {
				SessionCount.Dec()
				return nil, true
			}
			if !loaded {
				return nil, true
			}
			return old, false
		})
	}()
	log := f.e.log
	ctx = utils.WithDefaultArgs(ctx, "context", rec.Context, "recipient", rec.Recipient)
	log.DebugCtx(ctx, "forwarding session opened", "seq", rec.Seq)

	st := f.e.byContext.ReadStream(ctx, indexer.ReadOptions{
		GTE:  rec.Context + indexer.SepString + indexer.HexSeq(rec.Seq+1),
		LT:   rec.Context + indexer.SepString + "\xff",
		Old:  true,
		Live: true,
	})
	for it := range st.C() {
		if it.Tombstone {
			continue
		}
		m, err := ParseMessageRecord(it.State)
		if err != nil {
			log.ErrorCtx(ctx, "bad message record in context index", "key", it.Key, "err", err)
			continue
		}
		err = f.worker(ctx, Forward{
			Context:   rec.Context,
			Recipient: rec.Recipient,
			Link:      m.Permalink,
			Permalink: m.Permalink,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// the cursor is not advanced for this message; a later
			// session re-emits it only while the pair's cursor is still
			// below its seq
			ForwardCount.WithLabelValues("error").Inc()
			log.WarnCtx(ctx, "forward failed", "permalink", m.Permalink, "err", err)
			continue
		}
		ForwardCount.WithLabelValues("ok").Inc()
	}
	log.DebugCtx(ctx, "forwarding session closed")
}
