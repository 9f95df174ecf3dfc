package simulated

import (
	"context"

	"github.com/na-ofi/naofi-go/fabric"
)

// Fabric is the simulated implementation of fabric.Fabric. Every Fabric
// sharing the same *World can reach every other one, the way two
// processes using the real sockets provider reach each other over
// loopback (package doc comment).
type Fabric struct {
	world *World
	name  string
}

// New returns a simulated fabric named name, backed by world. Tests
// typically create one World and one Fabric per simulated "host".
func New(world *World, name string) *Fabric {
	return &Fabric{world: world, name: name}
}

func (f *Fabric) Name() string { return f.name }

// GetInfo always returns exactly one candidate: this package has no
// provider selection logic of its own, it is the thing a real provider's
// fi_getinfo would be narrowed against (spec §4.3).
func (f *Fabric) GetInfo(ctx context.Context, hints *fabric.Hints) ([]*fabric.Info, error) {
	info := &fabric.Info{
		ProviderName:  "simulated",
		DomainName:    "simulated",
		AddrFormat:    fabric.AddrFormatSock,
		MRMode:        fabric.MRVirtAddr | fabric.MRAllocated,
		Caps:          fabric.CapTagged | fabric.CapRMA,
		Mode:          fabric.ModeContext,
		MaxUnexpected: 4096,
		MaxExpected:   1 << 20,
		RxCtxCnt:      1,
		TxCtxCnt:      1,
	}
	if hints != nil {
		if hints.DomainName != "" {
			info.DomainName = hints.DomainName
		}
		if hints.AddrFormat != fabric.AddrFormatUnspec {
			info.AddrFormat = hints.AddrFormat
		}
	}
	return []*fabric.Info{info}, nil
}

func (f *Fabric) OpenDomain(ctx context.Context, info *fabric.Info) (fabric.Domain, error) {
	return &simDomain{world: f.world, info: info.Clone()}, nil
}
