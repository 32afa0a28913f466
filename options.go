package reshare

import (
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/mvayngrib/reshare/utils"
	"github.com/mvayngrib/reshare/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// GetContextFunc derives the grouping context from a hydrated newobj
// payload. Returning false excludes the message from every view.
type GetContextFunc func(p *wire.Payload) (string, bool)

// GetSeqFunc derives the sequence a message entry is filed under.
type GetSeqFunc func(e *wire.Entry) uint64

type Options struct {
	// Name is the database directory name under the replica dir.
	Name        string
	Logger      utils.Logger
	MessageType string
	GetContext  GetContextFunc
	GetSeq      GetSeqFunc
	// Worker delivers one forward. Defaults to node.Send.
	Worker             Worker
	PebbleWriteOptions *pebble.WriteOptions
	// Registerer, when set, receives the engine's metric vectors and a
	// pebble stats collector.
	Registerer        prometheus.Registerer
	ResolverCacheSize int
}

// DefaultGetContext reads the envelope context of the hydrated body.
func DefaultGetContext(p *wire.Payload) (string, bool) {
	if p.Object == nil || p.Object.Context == "" {
		return "", false
	}
	return p.Object.Context, true
}

// DefaultGetSeq files messages under their change index.
func DefaultGetSeq(e *wire.Entry) uint64 {
	return e.Change
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "contexts.db"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.MessageType == "" {
		o.MessageType = wire.DefaultMessageType
	}
	if o.GetContext == nil {
		o.GetContext = DefaultGetContext
	}
	if o.GetSeq == nil {
		o.GetSeq = DefaultGetSeq
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = &pebble.WriteOptions{Sync: false}
	}
	if o.ResolverCacheSize == 0 {
		o.ResolverCacheSize = 1024
	}
}
