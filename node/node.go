// Package node declares the contract the re-sharing engine consumes
// from its host messaging node. The engine never implements transport,
// identity or storage of message bodies; it only tails the node's
// change feed, resolves bodies through the keeper and hands outbound
// deliveries back to the node.
package node

import (
	"context"
	"errors"

	"github.com/mvayngrib/reshare/wire"
)

var (
	// ErrNotFound reports a permalink or link the node cannot resolve
	// yet. The engine treats it as transient: the entry is dropped for
	// this pass and retried on replay.
	ErrNotFound = errors.New("node: object not found")
	ErrClosed   = errors.New("node: closed")
)

// Changes is the append-only change feed. Appends are serialized by the
// feed; each accepted payload is assigned the next change index.
type Changes interface {
	Append(ctx context.Context, p *wire.Payload) (uint64, error)
	// Read returns an ordered, gap-free stream of entries with change
	// index strictly greater than after.
	Read(ctx context.Context, after uint64) (EntryStream, error)
}

// EntryStream delivers feed entries in change order. Next blocks until
// an entry is available, the stream is closed (io.EOF) or ctx ends.
type EntryStream interface {
	Next(ctx context.Context) (*wire.Entry, error)
	Close() error
}

// Keeper resolves content addresses to immutable bodies.
type Keeper interface {
	Get(ctx context.Context, permalink string) (*wire.Body, error)
}

// Objects looks up the feed entry under which an object link was first
// observed. It backs the second-tier enrichment step.
type Objects interface {
	Get(ctx context.Context, link string) (*wire.Entry, error)
}

type SendRequest struct {
	// Link addresses the object to deliver.
	Link string
	// To is the recipient identity permalink.
	To string
}

// Node is the host messaging node.
type Node interface {
	Name() string
	Permalink() string
	Changes() Changes
	Keeper() Keeper
	Objects() Objects
	Send(ctx context.Context, req SendRequest) error
}
