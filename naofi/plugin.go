// Package naofi implements the Network Abstraction plugin surface (spec
// §6.1): the single type real RPC-runtime glue code drives, wiring
// together the domain registry, endpoint, per-context progress driver,
// address cache, memory pools, and completion engine built by the rest of
// this module into the operation set a libfabric-backed NA plugin exposes.
package naofi

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/na-ofi/naofi-go/addr/codec"
	"github.com/na-ofi/naofi-go/completion"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/endpoint"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/mempool"
	"github.com/na-ofi/naofi-go/nactx"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/progress"
	"github.com/na-ofi/naofi-go/provider"
)

// Plugin bundles one provider+domain+endpoint instance and everything
// opened against it: the spec §3 "NA class" entity.
type Plugin struct {
	Provider provider.Entry
	Codecs   *codec.Registry
	Domain   *domain.Domain
	Endpoint *endpoint.Endpoint
	Contexts *nactx.Manager
	Pool     *mempool.Pool
	Engine   *completion.Engine

	registry *domain.Registry
	cookies  atomic.Uint64
	log      *slog.Logger
}

// Context pairs one nactx.Context with the progress.Driver that drives it,
// the unit naofi's context_create hands back to a caller (spec §4.6,
// §4.10).
type Context struct {
	*nactx.Context
	driver *progress.Driver
}

// CheckProtocol implements check_protocol: a provider name is usable iff
// it is present in the static provider table (spec §4.1, §6.1).
func CheckProtocol(providerName string) bool {
	_, ok := provider.Lookup(providerName)
	return ok
}

// Initialize implements the `initialize` operation: it resolves the
// provider, opens (or joins) the shared domain, opens the endpoint, and
// wires a completion engine and buffer pool on top (spec §4.1, §4.3,
// §4.5, §4.7, §4.10).
func Initialize(ctx context.Context, reg *domain.Registry, fab fabric.Fabric, providerName, domainName string, epOpts endpoint.Options, log *slog.Logger) (*Plugin, error) {
	if log == nil {
		log = slog.Default()
	}
	prov, ok := provider.Lookup(providerName)
	if !ok {
		return nil, wrap("initialize", StatusProtocolNotSupported, fmt.Errorf("unknown provider %q", providerName))
	}

	hints := &fabric.Hints{
		Provider:   providerName,
		DomainName: domainName,
		AddrFormat: prov.AddrFormat,
		Caps:       fabric.CapTagged | fabric.CapRMA,
		MRMode:     fabric.MRVirtAddr | fabric.MRLocal,
	}
	dom, err := reg.Open(ctx, fab, prov, domainName, hints)
	if err != nil {
		return nil, wrap("initialize", StatusProtocolError, err)
	}

	ep, err := endpoint.Open(ctx, dom, epOpts)
	if err != nil {
		reg.Close(dom)
		return nil, wrap("initialize", StatusProtocolError, err)
	}

	eng := completion.New(dom, opid.NewTable(), completion.NewCollector(), log)
	return &Plugin{
		Provider: prov,
		Codecs:   codec.NewRegistry(),
		Domain:   dom,
		Endpoint: ep,
		Contexts: nactx.NewManager(ep),
		Pool:     mempool.New(dom.Native),
		Engine:   eng,
		registry: reg,
		log:      log,
	}, nil
}

// Finalize implements `finalize`: it closes the buffer pool, the
// endpoint, then releases this plugin's reference on the shared domain
// (spec §4.1's teardown order: pools, endpoint, domain).
func (p *Plugin) Finalize() error {
	if err := p.Pool.Close(); err != nil {
		return wrap("finalize", StatusProtocolError, err)
	}
	if err := p.Endpoint.Close(); err != nil {
		return wrap("finalize", StatusProtocolError, err)
	}
	if err := p.registry.Close(p.Domain); err != nil {
		return wrap("finalize", StatusProtocolError, err)
	}
	return nil
}

// ContextCreate implements `context_create` (spec §4.6): it allocates an
// nactx.Context through the endpoint's Manager and pairs it with a
// progress.Driver sized to the provider's effective wait mode.
func (p *Plugin) ContextCreate(ctx context.Context, index int, wantWait provider.WaitMode) (*Context, error) {
	nc, err := p.Contexts.Create(ctx, index, wantWait)
	if err != nil {
		return nil, wrap("context_create", StatusInvalidArg, err)
	}
	return &Context{
		Context: nc,
		driver:  progress.New(p.Engine, nc, p.Provider, wantWait),
	}, nil
}

// ContextDestroy implements `context_destroy` (spec §4.6): it refuses to
// destroy a context with outstanding unexpected-recv posts.
func (p *Plugin) ContextDestroy(c *Context) error {
	if err := p.Contexts.Destroy(c.Context); err != nil {
		return wrap("context_destroy", StatusBusy, err)
	}
	return nil
}

// OpCreate implements `op_create` (spec §4.9): a fresh, reusable op handle
// starting INACTIVE.
func (p *Plugin) OpCreate() *opid.Op { return opid.New() }

// OpDestroy implements `op_destroy`: decref the op, returning the
// post-decrement refcount so a caller holding the last reference knows to
// stop using it.
func (p *Plugin) OpDestroy(op *opid.Op) int32 { return op.Release() }

// nextCookie hands out the fi_context-equivalent token correlating a
// posted op to the CQ event that completes it (spec §4.9, §4.10).
func (p *Plugin) nextCookie() uint64 { return p.cookies.Add(1) }
