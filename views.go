package reshare

import (
	"context"
	"errors"

	"github.com/mvayngrib/reshare/indexer"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/wire"
)

// hydrate resolves the entry's body through the keeper and attaches it.
func (e *Engine) hydrate(ctx context.Context, en *wire.Entry) error {
	body, err := e.resolver.Get(ctx, en.Value.Permalink)
	switch {
	case errors.Is(err, node.ErrNotFound):
		return indexer.ErrRetryLater
	case errors.Is(err, ErrClosed):
		// shutting down; freeze the mark so the entry is reprocessed
		// on the next open
		return indexer.ErrRetryLater
	case err != nil:
		return err
	}
	en.Value.Object = body
	return nil
}

// messageConfig projects newobj entries of the message type into one
// immutable row per permalink.
func (e *Engine) messageConfig() indexer.Config {
	return indexer.Config{
		Name:         "messages",
		Log:          e.log,
		WriteOptions: e.opts.PebbleWriteOptions,
		Filter: func(en *wire.Entry) bool {
			return en.Value.Topic == wire.TopicNewObj && en.Value.Type == e.opts.MessageType
		},
		Preprocess: e.hydrate,
		PrimaryKey: func(en *wire.Entry) string {
			return en.Value.Permalink
		},
		Reduce: func(prev []byte, en *wire.Entry) ([]byte, error) {
			if prev != nil {
				// first writer wins
				return prev, nil
			}
			c, ok := e.opts.GetContext(en.Value)
			if !ok {
				return nil, indexer.ErrDrop
			}
			rec := MessageRecord{
				Permalink: en.Value.Permalink,
				Context:   c,
				Recipient: en.Value.Recipient,
				Seq:       e.opts.GetSeq(en),
			}
			return rec.Tlv(), nil
		},
	}
}

func messageContextKey(state []byte) (string, bool) {
	m, err := ParseMessageRecord(state)
	if err != nil {
		return "", false
	}
	return m.Context + indexer.SepString + indexer.HexSeq(m.Seq) + indexer.SepString + m.Permalink, true
}

// wrapped reports whether the entry is a wrapper around another
// message: the second-tier form the node emits when a message is
// forwarded on.
func (e *Engine) wrapped(p *wire.Payload) bool {
	return p.Type == e.opts.MessageType &&
		p.ObjectInfo != nil && p.ObjectInfo.Type == e.opts.MessageType
}

// shareBase picks the payload the context is derived from: the
// enriched inner message for second-tier wrappers, the entry itself
// otherwise.
func (e *Engine) shareBase(p *wire.Payload) *wire.Payload {
	if e.wrapped(p) && p.ObjectInfo.Entry != nil {
		return p.ObjectInfo.Entry.Value
	}
	return p
}

// shareConfig folds sharectx/unsharectx control records and newobj
// observations into one cursor row per (context, recipient) pair.
func (e *Engine) shareConfig() indexer.Config {
	return indexer.Config{
		Name:         "shares",
		Log:          e.log,
		WriteOptions: e.opts.PebbleWriteOptions,
		Filter: func(en *wire.Entry) bool {
			switch en.Value.Topic {
			case wire.TopicNewObj, wire.TopicShare, wire.TopicUnshare:
				return true
			}
			return false
		},
		Preprocess: func(ctx context.Context, en *wire.Entry) error {
			p := en.Value
			if p.Topic != wire.TopicNewObj {
				return nil
			}
			if err := e.hydrate(ctx, en); err != nil {
				return err
			}
			if !e.wrapped(p) {
				return nil
			}
			// Second tier: swap the thin objectinfo for the original
			// message's indexed entry, hydrated, so the primary key and
			// cursor can be derived from the original.
			oent, err := e.node.Objects().Get(ctx, p.ObjectInfo.Link)
			if errors.Is(err, node.ErrNotFound) {
				return indexer.ErrRetryLater
			}
			if err != nil {
				return err
			}
			body, err := e.resolver.Get(ctx, oent.Value.Permalink)
			switch {
			case errors.Is(err, node.ErrNotFound), errors.Is(err, ErrClosed):
				return indexer.ErrRetryLater
			case err != nil:
				return err
			}
			val := *oent.Value
			val.Object = body
			p.ObjectInfo.Entry = &wire.Entry{Change: oent.Change, Value: &val}
			return nil
		},
		PrimaryKey: func(en *wire.Entry) string {
			p := en.Value
			switch p.Topic {
			case wire.TopicShare, wire.TopicUnshare:
				return PairKey(p.Context, p.Recipient)
			}
			c, ok := e.opts.GetContext(e.shareBase(p))
			if !ok {
				return ""
			}
			return PairKey(c, p.Recipient)
		},
		Reduce: func(prev []byte, en *wire.Entry) ([]byte, error) {
			p := en.Value
			var next *ShareRecord
			if prev != nil {
				rec, err := ParseShareRecord(prev)
				if err != nil {
					return nil, err
				}
				next = rec
			}
			switch p.Topic {
			case wire.TopicNewObj:
				c, ok := e.opts.GetContext(e.shareBase(p))
				if next == nil {
					if !ok {
						return nil, indexer.ErrDrop
					}
					next = &ShareRecord{Context: c, Recipient: p.Recipient}
				}
				// A newobj only advances the cursor, it never activates
				// a share. Second-tier wrappers credit the original
				// message's sequence.
				seq := e.opts.GetSeq(en)
				if e.wrapped(p) && p.ObjectInfo.Entry != nil {
					seq = e.opts.GetSeq(p.ObjectInfo.Entry)
				}
				if seq > next.Seq {
					next.Seq = seq
				}
			case wire.TopicShare:
				if next == nil {
					// The requested starting seq only seeds the first
					// record for a pair; re-sharing never rewinds.
					next = &ShareRecord{Context: p.Context, Recipient: p.Recipient, Seq: p.Seq}
				}
				next.Active = true
			case wire.TopicUnshare:
				if next == nil {
					return nil, indexer.ErrDrop
				}
				next.Active = false
			}
			return next.Tlv(), nil
		},
	}
}

func shareCfrKey(state []byte) (string, bool) {
	s, err := ParseShareRecord(state)
	if err != nil || s.Context == "" || !s.Active {
		return "", false
	}
	return s.Context + indexer.SepString + s.Recipient + indexer.SepString, true
}
