// Package test_utils provides an in-process mesh of messaging nodes
// implementing the node contract: an append-only change feed, a
// content-addressed keeper and a send path that wraps, delivers and
// echoes the outbound wrapper into the sender's own feed.
package test_utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/mvayngrib/reshare/node"
	"github.com/mvayngrib/reshare/wire"
)

var ErrUnknownRecipient = errors.New("test_utils: unknown recipient")

type Mesh struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func NewMesh() *Mesh {
	return &Mesh{nodes: make(map[string]*Node)}
}

func (m *Mesh) get(permalink string) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[permalink]
}

// NewNode joins a node to the mesh under a fresh identity.
func (m *Mesh) NewNode(name string) *Node {
	n := &Node{
		name:      name,
		permalink: uuid.NewString(),
		mesh:      m,
		keeper:    make(map[string]*wire.Body),
		byLink:    make(map[string]*wire.Entry),
		hoses:     make(map[string]toyqueue.DrainCloser),
		wake:      make(chan struct{}),
	}
	m.mu.Lock()
	m.nodes[n.permalink] = n
	m.mu.Unlock()
	return n
}

type Node struct {
	name      string
	permalink string
	mesh      *Mesh

	mu      sync.Mutex
	entries []*wire.Entry
	wake    chan struct{}
	keeper  map[string]*wire.Body
	byLink  map[string]*wire.Entry
	hoses   map[string]toyqueue.DrainCloser
	closed  bool
}

func (n *Node) Name() string      { return n.name }
func (n *Node) Permalink() string { return n.permalink }

// Put stores a body in the keeper under its content address.
func (n *Node) Put(body *wire.Body) string {
	tlv := body.Tlv()
	permalink := fmt.Sprintf("%016x", xxhash.Sum64(tlv))
	n.mu.Lock()
	n.keeper[permalink] = body
	n.mu.Unlock()
	return permalink
}

// Body reads a keeper object, nil when absent.
func (n *Node) Body(permalink string) *wire.Body {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.keeper[permalink]
}

// Entries snapshots the feed.
func (n *Node) Entries() []*wire.Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*wire.Entry, len(n.entries))
	for i, en := range n.entries {
		out[i] = cloneEntry(en)
	}
	return out
}

func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	hoses := n.hoses
	n.hoses = make(map[string]toyqueue.DrainCloser)
	close(n.wake)
	n.wake = make(chan struct{})
	n.mu.Unlock()
	for _, q := range hoses {
		_ = q.Close()
	}
}

// AddPacketHose attaches a queue fed the TLV of every appended payload.
func (n *Node) AddPacketHose(name string) toyqueue.FeedCloser {
	queue := toyqueue.RecordQueue{Limit: 1024}
	n.mu.Lock()
	q := n.hoses[name]
	n.hoses[name] = &queue
	n.mu.Unlock()
	if q != nil {
		_ = q.Close()
	}
	return queue.Blocking()
}

func (n *Node) append(p *wire.Payload) uint64 {
	n.mu.Lock()
	change := uint64(len(n.entries)) + 1
	en := &wire.Entry{Change: change, Value: p}
	n.entries = append(n.entries, en)
	if p.Topic == wire.TopicNewObj {
		if p.Link != "" {
			if _, ok := n.byLink[p.Link]; !ok {
				n.byLink[p.Link] = en
			}
		}
		if p.Permalink != "" {
			if _, ok := n.byLink[p.Permalink]; !ok {
				n.byLink[p.Permalink] = en
			}
		}
	}
	close(n.wake)
	n.wake = make(chan struct{})
	hoses := make([]toyqueue.DrainCloser, 0, len(n.hoses))
	names := make([]string, 0, len(n.hoses))
	for name, q := range n.hoses {
		hoses = append(hoses, q)
		names = append(names, name)
	}
	n.mu.Unlock()
	for i, q := range hoses {
		if err := q.Drain(toyqueue.Records{p.Tlv()}); err != nil {
			n.mu.Lock()
			delete(n.hoses, names[i])
			n.mu.Unlock()
		}
	}
	return change
}

// Send wraps the object at req.Link and delivers it. Both the sender
// and the recipient observe the wrapper in their feeds; the sender-side
// observation is what lets a re-sharing engine account the delivery.
func (n *Node) Send(ctx context.Context, req node.SendRequest) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return node.ErrClosed
	}
	body := n.keeper[req.Link]
	n.mu.Unlock()
	if body == nil {
		return node.ErrNotFound
	}
	to := n.mesh.get(req.To)
	if to == nil {
		return ErrUnknownRecipient
	}
	env := &wire.Body{
		Type:      wire.DefaultMessageType,
		Author:    n.permalink,
		Recipient: to.permalink,
		Object:    body,
	}
	// wrappers around originals carry the payload context; forward
	// wrappers do not, their context is derived from the original
	if body.Type != wire.DefaultMessageType {
		env.Context = body.Context
	}
	perm := n.Put(env)
	to.Put(env)
	newobj := func() *wire.Payload {
		return &wire.Payload{
			Topic:     wire.TopicNewObj,
			Type:      env.Type,
			Permalink: perm,
			Link:      perm,
			Recipient: to.permalink,
			ObjectInfo: &wire.ObjectInfo{
				Permalink: req.Link,
				Link:      req.Link,
				Type:      body.Type,
			},
		}
	}
	n.append(newobj())
	to.append(newobj())
	return nil
}

// SendBody stores the body and sends it in one step, returning its
// link.
func (n *Node) SendBody(ctx context.Context, to *Node, body *wire.Body) (string, error) {
	link := n.Put(body)
	return link, n.Send(ctx, node.SendRequest{Link: link, To: to.Permalink()})
}

func (n *Node) Changes() node.Changes { return changes{n} }
func (n *Node) Keeper() node.Keeper   { return keeper{n} }
func (n *Node) Objects() node.Objects { return objects{n} }

type changes struct{ n *Node }

func (c changes) Append(ctx context.Context, p *wire.Payload) (uint64, error) {
	c.n.mu.Lock()
	closed := c.n.closed
	c.n.mu.Unlock()
	if closed {
		return 0, node.ErrClosed
	}
	return c.n.append(p), nil
}

func (c changes) Read(ctx context.Context, after uint64) (node.EntryStream, error) {
	return &entryStream{n: c.n, next: after + 1}, nil
}

type entryStream struct {
	n      *Node
	next   uint64
	mu     sync.Mutex
	closed bool
}

func (s *entryStream) Next(ctx context.Context) (*wire.Entry, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()
		s.n.mu.Lock()
		if s.next <= uint64(len(s.n.entries)) {
			en := s.n.entries[s.next-1]
			s.next++
			s.n.mu.Unlock()
			return cloneEntry(en), nil
		}
		if s.n.closed {
			s.n.mu.Unlock()
			return nil, io.EOF
		}
		wake := s.n.wake
		s.n.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *entryStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// cloneEntry hands each reader its own payload so preprocess hydration
// never races between consumers.
func cloneEntry(en *wire.Entry) *wire.Entry {
	val := *en.Value
	if en.Value.ObjectInfo != nil {
		oi := *en.Value.ObjectInfo
		val.ObjectInfo = &oi
	}
	return &wire.Entry{Change: en.Change, Value: &val}
}

type keeper struct{ n *Node }

func (k keeper) Get(ctx context.Context, permalink string) (*wire.Body, error) {
	if body := k.n.Body(permalink); body != nil {
		return body, nil
	}
	return nil, node.ErrNotFound
}

type objects struct{ n *Node }

func (o objects) Get(ctx context.Context, link string) (*wire.Entry, error) {
	o.n.mu.Lock()
	en := o.n.byLink[link]
	o.n.mu.Unlock()
	if en == nil {
		return nil, node.ErrNotFound
	}
	return cloneEntry(en), nil
}
