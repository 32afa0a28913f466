// Package wire defines the records exchanged with the node: change-feed
// entries, their payloads and the message bodies stored by the keeper.
// Everything is encoded as TLV, uppercase literals only so record types
// survive round trips.
package wire

import "errors"

// DefaultMessageType tags message-wrapper objects produced by the node's
// send path. An engine may be configured with a different tag.
const DefaultMessageType = "tradle.Message"

var (
	ErrBadPayload = errors.New("reshare: bad payload record")
	ErrBadBody    = errors.New("reshare: bad body record")
)

type Topic byte

const (
	TopicNewObj  Topic = 'N'
	TopicShare   Topic = 'S'
	TopicUnshare Topic = 'U'
)

// Entry is a single change-feed record. Change is the monotonic index
// assigned by the feed, never by the producer.
type Entry struct {
	Change uint64
	Value  *Payload
}

// Payload is the feed entry body. Which fields are meaningful depends on
// Topic: newobj carries the object fields, sharectx/unsharectx carry the
// control fields.
type Payload struct {
	Topic Topic

	// newobj
	Type       string
	Permalink  string
	Link       string
	Recipient  string
	ObjectInfo *ObjectInfo
	// Object is the keeper body, attached by a preprocess hydration
	// step. It is never serialized with the payload.
	Object *Body

	// sharectx / unsharectx
	Context   string
	Seq       uint64
	Timestamp int64
}

// ObjectInfo describes the object a wrapper refers to. Entry is filled
// during share-view enrichment with the feed entry under which the
// referenced object was first indexed; it is in-memory only.
type ObjectInfo struct {
	Permalink string
	Link      string
	Type      string

	Entry *Entry
}

// Body is a keeper object: either an application payload or a message
// wrapper whose Object holds the wrapped body. A wrapper around an
// application payload copies the payload context so it is readable
// without descending; a wrapper around another wrapper carries none.
type Body struct {
	Type      string
	Context   string
	Author    string
	Recipient string
	Object    *Body
	Attrs     map[string]string
}

// Inner returns the innermost non-wrapper body.
func (b *Body) Inner() *Body {
	for b != nil && b.Object != nil {
		b = b.Object
	}
	return b
}
