package simulated

import (
	"sync"

	"github.com/na-ofi/naofi-go/fabric"
)

// datagram is one in-flight tagged message traveling across the World.
type datagram struct {
	from    fabric.Addr
	tag     uint64
	payload []byte
}

// postedRecv is a receive buffer posted ahead of arrival, matched against
// incoming datagrams by tag&^ignore (real tagged-matching hardware
// semantics: expected receives post an exact tag with ignore=0, unexpected
// receives post with a wide ignore mask — spec §4.11).
type postedRecv struct {
	tag    uint64
	ignore uint64
	buf    []byte
	token  uint64
}

func (p postedRecv) matches(tag uint64) bool {
	return (tag &^ p.ignore) == (p.tag &^ p.ignore)
}

// node is one endpoint's live presence in the World: it owns the posted
// and pending-unmatched buffer lists and the channel standing in for its
// completion queue.
type node struct {
	handle fabric.Addr
	world  *World

	mu     sync.Mutex
	posted []postedRecv
	queued []datagram // arrived, unmatched by any currently-posted buffer

	events chan fabric.CQEvent
	errs   chan fabric.CQErrEntry
	wake   chan struct{}
}

const nodeQueueDepth = 4096

func newNode(handle fabric.Addr, w *World) *node {
	return &node{
		handle: handle,
		world:  w,
		events: make(chan fabric.CQEvent, nodeQueueDepth),
		errs:   make(chan fabric.CQErrEntry, nodeQueueDepth),
		wake:   make(chan struct{}, 1),
	}
}

func (n *node) pingWake() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *node) pushEvent(ev fabric.CQEvent) {
	select {
	case n.events <- ev:
	default:
		// CQ overflow: drop, mirroring a provider that would otherwise
		// have returned -FI_EAGAIN to the post that produced this event.
	}
	n.pingWake()
}

func (n *node) pushError(entry fabric.CQErrEntry) {
	select {
	case n.errs <- entry:
	default:
	}
	n.pingWake()
}

// post registers a receive buffer, immediately satisfying it from the
// pending-unmatched queue if a datagram already arrived for it.
func (n *node) post(p postedRecv) {
	n.mu.Lock()
	for i, dgram := range n.queued {
		if p.matches(dgram.tag) {
			n.queued = append(n.queued[:i], n.queued[i+1:]...)
			n.mu.Unlock()
			n.complete(p, dgram)
			return
		}
	}
	n.posted = append(n.posted, p)
	n.mu.Unlock()
}

// deliver is called by the World when a datagram addressed to this node
// arrives. It matches against currently posted buffers (FIFO), or buffers
// the datagram as unexpected/unmatched for a future post to pick up.
func (n *node) deliver(dgram datagram) {
	n.mu.Lock()
	for i, p := range n.posted {
		if p.matches(dgram.tag) {
			n.posted = append(n.posted[:i], n.posted[i+1:]...)
			n.mu.Unlock()
			n.complete(p, dgram)
			return
		}
	}
	n.queued = append(n.queued, dgram)
	n.mu.Unlock()
}

func (n *node) complete(p postedRecv, dgram datagram) {
	length := len(dgram.payload)
	if length > len(p.buf) {
		n.pushError(fabric.CQErrEntry{Token: p.token, Errno: fabric.ErrnoOther})
		return
	}
	copy(p.buf, dgram.payload)
	n.pushEvent(fabric.CQEvent{
		Flags: fabric.FlagRecv,
		Token: p.token,
		Tag:   dgram.tag,
		Len:   length,
		Addr:  dgram.from,
	})
}

// cancelPosted removes a still-posted receive buffer by token, if present,
// and reports whether it was found (spec §4.9: cancel only has effect on
// an ACTIVE op).
func (n *node) cancelPosted(token uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, p := range n.posted {
		if p.token == token {
			n.posted = append(n.posted[:i], n.posted[i+1:]...)
			return true
		}
	}
	return false
}
