package simulated

import (
	"context"
	"fmt"

	"github.com/na-ofi/naofi-go/fabric"
)

// simEndpoint is a basic (non-scalable) endpoint: one address, one tx/rx
// pair, at most one bound CQ and wait set (spec §4.5).
type simEndpoint struct {
	world  *World
	node   *node
	native []byte

	cq *simCQ
	ws *simWaitSet
	av *simAV
}

func (e *simEndpoint) TSend(ctx context.Context, buf []byte, dest fabric.Addr, tag uint64, token uint64) error {
	return sendVia(e.world, e.node, buf, dest, tag, token)
}

func (e *simEndpoint) TRecv(ctx context.Context, buf []byte, src fabric.Addr, tag, ignore uint64, token uint64) error {
	e.node.post(postedRecv{tag: tag, ignore: ignore, buf: buf, token: token})
	return nil
}

func (e *simEndpoint) Write(ctx context.Context, buf []byte, dest fabric.Addr, remoteOffset int64, key uint64, token uint64, deliveryComplete bool) error {
	return writeVia(e.world, e.node, buf, remoteOffset, key, token)
}

func (e *simEndpoint) Read(ctx context.Context, buf []byte, dest fabric.Addr, remoteOffset int64, key uint64, token uint64) error {
	return readVia(e.world, e.node, buf, remoteOffset, key, token)
}

func (e *simEndpoint) Cancel(token uint64) error {
	return cancelVia(e.node, token)
}

func (e *simEndpoint) BindCQ(cq fabric.CQ) error {
	sc, ok := cq.(*simCQ)
	if !ok {
		return fmt.Errorf("simulated: BindCQ: not a simulated.CQ")
	}
	e.cq = sc
	sc.bind(e.node)
	return nil
}

func (e *simEndpoint) BindAV(av fabric.AddressVector) error {
	sa, ok := av.(*simAV)
	if !ok {
		return fmt.Errorf("simulated: BindAV: not a simulated.AddressVector")
	}
	e.av = sa
	return nil
}

func (e *simEndpoint) BindWaitSet(ws fabric.WaitSet) error {
	sw, ok := ws.(*simWaitSet)
	if !ok {
		return fmt.Errorf("simulated: BindWaitSet: not a simulated.WaitSet")
	}
	e.ws = sw
	sw.attach(e.node)
	return nil
}

func (e *simEndpoint) Enable() error { return nil }

func (e *simEndpoint) GetName(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), e.native...), nil
}

func (e *simEndpoint) Close() error {
	e.world.remove(e.node.handle)
	return nil
}

// sendVia/writeVia/readVia/cancelVia are shared by simEndpoint and the
// scalable-endpoint sub-contexts in scalable.go.

func sendVia(world *World, n *node, buf []byte, dest fabric.Addr, tag, token uint64) error {
	payload := append([]byte(nil), buf...)
	world.send(dest, datagram{from: n.handle, tag: tag, payload: payload})
	n.pushEvent(fabric.CQEvent{Flags: fabric.FlagSend, Token: token, Tag: tag, Len: len(buf), Addr: dest})
	return nil
}

func writeVia(world *World, n *node, buf []byte, remoteOffset int64, key, token uint64) error {
	mr := world.lookupMR(key)
	if mr == nil {
		return fmt.Errorf("simulated: write: unknown remote key %d", key)
	}
	off := int(remoteOffset)
	if off < 0 || off+len(buf) > len(mr.buf) {
		return fmt.Errorf("simulated: write: out of bounds region access")
	}
	copy(mr.buf[off:], buf)
	n.pushEvent(fabric.CQEvent{Flags: fabric.FlagWrite | fabric.FlagRMA, Token: token, Len: len(buf)})
	return nil
}

func readVia(world *World, n *node, buf []byte, remoteOffset int64, key, token uint64) error {
	mr := world.lookupMR(key)
	if mr == nil {
		return fmt.Errorf("simulated: read: unknown remote key %d", key)
	}
	off := int(remoteOffset)
	if off < 0 || off+len(buf) > len(mr.buf) {
		return fmt.Errorf("simulated: read: out of bounds region access")
	}
	copy(buf, mr.buf[off:off+len(buf)])
	n.pushEvent(fabric.CQEvent{Flags: fabric.FlagRead | fabric.FlagRMA, Token: token, Len: len(buf)})
	return nil
}

func cancelVia(n *node, token uint64) error {
	if n.cancelPosted(token) {
		n.pushError(fabric.CQErrEntry{Token: token, Errno: fabric.ErrnoCanceled})
	}
	return nil
}
