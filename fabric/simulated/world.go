// Package simulated is a deterministic, in-process stand-in for libfabric
// (see fabric.Fabric doc comment). It backs every test in this module and
// the cmd/naofi-probe loopback demo. It implements real tag-matching
// semantics (posted-buffer matching, unexpected-message buffering) rather
// than faking completions, so the completion engine and op state machine
// exercise the same races they would against a real provider.
package simulated

import (
	"sync"

	"github.com/na-ofi/naofi-go/fabric"
)

// World is the shared "ether" two or more simulated fabric instances
// communicate over, standing in for a physical network the way two
// processes on one host would reach each other through the sockets
// provider. Tests create one World and hand it to every simulated.Fabric
// that should be able to see each other.
type World struct {
	mu        sync.Mutex
	byKey     map[string]*entry
	byHandle  map[fabric.Addr]*entry
	nextAddr  fabric.Addr
	nextMRKey uint64
	mrs       map[uint64]*simMR
}

type entry struct {
	handle      fabric.Addr
	key         string
	node        *node
	insertCount int
	mailbox     []datagram
}

// NewWorld returns an empty World.
func NewWorld() *World {
	return &World{
		byKey:    make(map[string]*entry),
		byHandle: make(map[fabric.Addr]*entry),
		mrs:      make(map[uint64]*simMR),
		nextAddr: 1,
	}
}

func (w *World) entryForKey(key string) *entry {
	if e, ok := w.byKey[key]; ok {
		return e
	}
	e := &entry{handle: w.nextAddr, key: key}
	w.nextAddr++
	w.byKey[key] = e
	w.byHandle[e.handle] = e
	return e
}

// insert returns the Addr for key, creating the registry entry if this is
// the first time key has been seen. It reports whether this call is the
// first insert of key (an entry that registerSelf created for a live node
// has not been inserted yet), so AddressVector.Insert can expose an
// accurate InsertCount (spec §8 invariant 5 / scenario 6).
func (w *World) insert(key string) (fabric.Addr, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entryForKey(key)
	first := e.insertCount == 0
	e.insertCount++
	return e.handle, first
}

func (w *World) remove(a fabric.Addr) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.byHandle[a]
	if !ok {
		return
	}
	delete(w.byHandle, a)
	delete(w.byKey, e.key)
}

// registerSelf attaches a live node to the registry entry for key,
// delivering any datagrams that arrived before this node existed.
func (w *World) registerSelf(key string) *node {
	w.mu.Lock()
	e := w.entryForKey(key)
	if e.node == nil {
		e.node = newNode(e.handle, w)
	}
	n := e.node
	pending := e.mailbox
	e.mailbox = nil
	w.mu.Unlock()

	for _, dgram := range pending {
		n.deliver(dgram)
	}
	return n
}

func (w *World) send(dest fabric.Addr, dgram datagram) {
	w.mu.Lock()
	e, ok := w.byHandle[dest]
	if !ok {
		w.mu.Unlock()
		return // unreachable address: dropped, as a real unreachable peer would be
	}
	n := e.node
	if n == nil {
		e.mailbox = append(e.mailbox, dgram)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	n.deliver(dgram)
}

func (w *World) insertCountFor(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.byKey[key]; ok {
		return e.insertCount
	}
	return 0
}

func (w *World) registerMR(mr *simMR) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := mr.key
	w.mrs[key] = mr
	return key
}

func (w *World) lookupMR(key uint64) *simMR {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mrs[key]
}

func (w *World) unregisterMR(key uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.mrs, key)
}

func (w *World) allocMRKey() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextMRKey++
	return w.nextMRKey
}
