// Package backplane relays socket events between nodes so a user connected
// to another node still receives them.
package backplane

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	// KindUser targets every channel of UserID.
	KindUser Kind = "user"
	// KindBroadcast targets every channel except those of Exclude.
	KindBroadcast Kind = "broadcast"
)

// Envelope is one relayed event.
type Envelope struct {
	Origin  string          `json:"origin"`
	Kind    Kind            `json:"kind"`
	UserID  string          `json:"userId,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Backplane publishes envelopes to the other nodes. Handlers never see
// envelopes published by their own node.
type Backplane interface {
	NodeID() string
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (unsubscribe func(), err error)
	Close() error
}

func NewNodeID() string { return uuid.NewString() }

// Local connects nodes living in the same process. A single-node
// deployment uses one Local node, which never receives anything.
type Local struct {
	mu    sync.RWMutex
	nodes map[string]*LocalNode
}

func NewLocal() *Local { return &Local{nodes: map[string]*LocalNode{}} }

// Node joins the network as id (a random id when empty).
func (l *Local) Node(id string) *LocalNode {
	if id == "" {
		id = NewNodeID()
	}
	n := &LocalNode{net: l, id: id, subs: map[int]func(Envelope){}}
	l.mu.Lock()
	l.nodes[id] = n
	l.mu.Unlock()
	return n
}

type LocalNode struct {
	net *Local
	id  string

	mu     sync.RWMutex
	subs   map[int]func(Envelope)
	next   int
	closed bool
}

func (n *LocalNode) NodeID() string { return n.id }

func (n *LocalNode) Publish(_ context.Context, env Envelope) error {
	env.Origin = n.id
	n.net.mu.RLock()
	peers := make([]*LocalNode, 0, len(n.net.nodes))
	for id, p := range n.net.nodes {
		if id != n.id {
			peers = append(peers, p)
		}
	}
	n.net.mu.RUnlock()
	for _, p := range peers {
		p.deliver(env)
	}
	return nil
}

func (n *LocalNode) deliver(env Envelope) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	fns := make([]func(Envelope), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (n *LocalNode) Subscribe(fn func(Envelope)) (func(), error) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}, nil
}

func (n *LocalNode) Close() error {
	n.mu.Lock()
	n.closed = true
	n.subs = map[int]func(Envelope){}
	n.mu.Unlock()
	n.net.mu.Lock()
	delete(n.net.nodes, n.id)
	n.net.mu.Unlock()
	return nil
}
