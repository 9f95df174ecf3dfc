package simulated

import (
	"context"
	"fmt"

	"github.com/na-ofi/naofi-go/fabric"
)

// simScalable is a scalable endpoint (SEP): independently progressable
// tx/rx subcontexts sharing one address, the way a real SEP encodes a
// context index into fi_addr_t's high bits (spec glossary: "SEP";
// original source: NA_OFI_SEP_RX_CTX_BITS). Here each rx context gets its
// own World registry entry keyed by base-address+context-index, which
// plays the same role without needing bit tricks on the opaque Addr type.
type simScalable struct {
	world  *World
	native []byte

	txNodes map[int]*node
	rxNodes map[int]*node
}

func newSimScalable(world *World, native []byte) *simScalable {
	return &simScalable{
		world:   world,
		native:  append([]byte(nil), native...),
		txNodes: make(map[int]*node),
		rxNodes: make(map[int]*node),
	}
}

func rxContextKey(native []byte, index int) string {
	return fmt.Sprintf("%s#rx%d", native, index)
}

func (s *simScalable) BindAV(av fabric.AddressVector) error { return nil }

func (s *simScalable) Enable() error { return nil }

func (s *simScalable) GetName(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), s.native...), nil
}

// TxContext returns the send/recv surface for tx subcontext index. Tx
// contexts only ever originate sends in this plugin's usage (spec §4.12),
// so their node is private local bookkeeping, not registered in the
// World's address registry.
func (s *simScalable) TxContext(ctx context.Context, index int, cq fabric.CQ) (fabric.SendRecv, error) {
	n, ok := s.txNodes[index]
	if !ok {
		n = newNode(fabric.Invalid, s.world)
		s.txNodes[index] = n
	}
	if sc, ok := cq.(*simCQ); ok {
		sc.bind(n)
	}
	return &subEndpoint{world: s.world, node: n}, nil
}

// RxContext registers a World entry keyed by base address + context index
// so remote peers addressing this context's Addr (obtained via
// AddressVector.Insert against the same key) reach it specifically.
func (s *simScalable) RxContext(ctx context.Context, index int, cq fabric.CQ) (fabric.SendRecv, error) {
	n, ok := s.rxNodes[index]
	if !ok {
		n = s.world.registerSelf(rxContextKey(s.native, index))
		s.rxNodes[index] = n
	}
	if sc, ok := cq.(*simCQ); ok {
		sc.bind(n)
	}
	return &subEndpoint{world: s.world, node: n}, nil
}

func (s *simScalable) Close() error {
	for _, n := range s.rxNodes {
		s.world.remove(n.handle)
	}
	return nil
}

// subEndpoint is the SendRecv surface handed out by TxContext/RxContext.
type subEndpoint struct {
	world *World
	node  *node
}

func (s *subEndpoint) TSend(ctx context.Context, buf []byte, dest fabric.Addr, tag uint64, token uint64) error {
	return sendVia(s.world, s.node, buf, dest, tag, token)
}

func (s *subEndpoint) TRecv(ctx context.Context, buf []byte, src fabric.Addr, tag, ignore uint64, token uint64) error {
	s.node.post(postedRecv{tag: tag, ignore: ignore, buf: buf, token: token})
	return nil
}

func (s *subEndpoint) Write(ctx context.Context, buf []byte, dest fabric.Addr, remoteOffset int64, key uint64, token uint64, deliveryComplete bool) error {
	return writeVia(s.world, s.node, buf, remoteOffset, key, token)
}

func (s *subEndpoint) Read(ctx context.Context, buf []byte, dest fabric.Addr, remoteOffset int64, key uint64, token uint64) error {
	return readVia(s.world, s.node, buf, remoteOffset, key, token)
}

func (s *subEndpoint) Cancel(token uint64) error {
	return cancelVia(s.node, token)
}
