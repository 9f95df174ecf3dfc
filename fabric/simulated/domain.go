package simulated

import (
	"context"

	"github.com/na-ofi/naofi-go/fabric"
)

// simDomain is the simulated fabric.Domain: it hands out endpoints, AVs,
// CQs, wait sets, and MRs that all share the same World (spec §4.3).
type simDomain struct {
	world *World
	info  *fabric.Info
}

func (d *simDomain) OpenEndpoint(ctx context.Context, info *fabric.Info) (fabric.Endpoint, error) {
	native := append([]byte(nil), info.SrcAddr...)
	n := d.world.registerSelf(string(native))
	return &simEndpoint{world: d.world, node: n, native: native}, nil
}

func (d *simDomain) OpenScalableEndpoint(ctx context.Context, info *fabric.Info, rxCtxCnt int) (fabric.ScalableEndpoint, error) {
	native := append([]byte(nil), info.SrcAddr...)
	return newSimScalable(d.world, native), nil
}

func (d *simDomain) OpenAV(ctx context.Context) (fabric.AddressVector, error) {
	return &simAV{world: d.world}, nil
}

func (d *simDomain) OpenCQ(ctx context.Context, depth int) (fabric.CQ, error) {
	return newSimCQ(depth), nil
}

func (d *simDomain) OpenWaitSet(ctx context.Context) (fabric.WaitSet, error) {
	return newSimWaitSet(), nil
}

// RegisterMR registers buf under reqKey, or an auto-allocated key when
// reqKey is zero (spec §4.3's global registration uses the fixed key
// 0x0F1B0F1B; per-transfer registrations pass 0 here and get one
// allocated, mirroring FI_MR_PROV_KEY domains).
func (d *simDomain) RegisterMR(ctx context.Context, buf []byte, access fabric.MRAccess, reqKey uint64) (fabric.MR, error) {
	key := reqKey
	if key == 0 {
		key = d.world.allocMRKey()
	}
	mr := &simMR{world: d.world, key: key, buf: buf, access: access}
	d.world.registerMR(mr)
	return mr, nil
}

func (d *simDomain) Close() error { return nil }
