package naofi

import (
	"context"

	"github.com/na-ofi/naofi-go/addr"
	"github.com/na-ofi/naofi-go/opid"
)

// Put implements the `put` operation: a one-sided RMA write into dest's
// memory region at remoteOffset (spec §4.12's common send/recv/RMA shape,
// §6.1). deliveryComplete selects between the provider's cheaper
// write-visible and the stricter remote-delivery-visible completion
// semantics (spec §9's put/get visibility note).
func (p *Plugin) Put(ctx context.Context, c *Context, op *opid.Op, buf []byte, dest *addr.Address, remoteOffset int64, remoteKey uint64, deliveryComplete bool, cb opid.Callback, arg any) (uint64, error) {
	return p.submit(ctx, c, opid.TypePut, op, cb, arg, dest, false, func(token uint64) error {
		return c.TX.Write(ctx, buf, dest.Handle(), remoteOffset, remoteKey, token, deliveryComplete)
	})
}

// Get implements the `get` operation: a one-sided RMA read from src's
// memory region at remoteOffset into buf.
func (p *Plugin) Get(ctx context.Context, c *Context, op *opid.Op, buf []byte, src *addr.Address, remoteOffset int64, remoteKey uint64, cb opid.Callback, arg any) (uint64, error) {
	return p.submit(ctx, c, opid.TypeGet, op, cb, arg, src, false, func(token uint64) error {
		return c.TX.Read(ctx, buf, src.Handle(), remoteOffset, remoteKey, token)
	})
}
