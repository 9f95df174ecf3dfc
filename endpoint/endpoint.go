// Package endpoint implements the endpoint component (spec §4.5): a
// basic or scalable endpoint bound to a domain, with its completion
// queue, optional wait-set, and unexpected-receive op queue.
package endpoint

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

const cqDepth = 256

// Endpoint is the spec §3 "Endpoint" entity: either a basic endpoint
// (owns its own CQ/wait-set/unexpected queue) or a scalable one (those
// are owned per-context instead, see package nactx).
type Endpoint struct {
	Domain   *domain.Domain
	Provider provider.Entry

	Basic      fabric.Endpoint
	Scalable   fabric.ScalableEndpoint
	IsScalable bool

	CQ       fabric.CQ       // nil for scalable endpoints
	WaitSet  fabric.WaitSet  // nil if the effective wait mode is WaitNone
	Unexpect *opid.Queue     // nil for scalable endpoints

	SelfNative []byte
	SelfURI    string
}

// Options narrows how an endpoint is opened.
type Options struct {
	WantWait      provider.WaitMode
	RxCtxCount    int // > 0 requests a scalable endpoint
	AutoDiscover  bool // sockets://auto: bind to the first non-loopback interface
	ExternalURI   func([]byte) (string, error)
}

// Open implements spec §4.5's basic-endpoint path, or the scalable path
// when opts.RxCtxCount > 0 (spec: "Scalable endpoint: skip the
// per-endpoint CQ; bind only the AV; enable").
func Open(ctx context.Context, dom *domain.Domain, opts Options) (*Endpoint, error) {
	info := dom.Info.Clone()
	if opts.AutoDiscover {
		addr, err := discoverLocalIPv4()
		if err != nil {
			return nil, fmt.Errorf("endpoint: auto-discover: %w", err)
		}
		info.SrcAddr = addr
	}

	ep := &Endpoint{Domain: dom, Provider: dom.Provider}

	if opts.RxCtxCount > 0 {
		if dom.Provider.Flags.Has(provider.NoScalableEndpoint) {
			return nil, fmt.Errorf("endpoint: provider %q does not support scalable endpoints", dom.Provider.Name)
		}
		sep, err := dom.Native.OpenScalableEndpoint(ctx, info, opts.RxCtxCount)
		if err != nil {
			return nil, fmt.Errorf("endpoint: OpenScalableEndpoint: %w", err)
		}
		if err := sep.BindAV(dom.AV); err != nil {
			return nil, fmt.Errorf("endpoint: bind av: %w", err)
		}
		if err := sep.Enable(); err != nil {
			return nil, fmt.Errorf("endpoint: enable: %w", err)
		}
		ep.Scalable = sep
		ep.IsScalable = true
		if err := ep.resolveSelf(ctx, sep.GetName, opts.ExternalURI); err != nil {
			return nil, err
		}
		return ep, nil
	}

	fep, err := dom.Native.OpenEndpoint(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("endpoint: OpenEndpoint: %w", err)
	}
	cq, err := dom.Native.OpenCQ(ctx, cqDepth)
	if err != nil {
		fep.Close()
		return nil, fmt.Errorf("endpoint: OpenCQ: %w", err)
	}
	if err := fep.BindCQ(cq); err != nil {
		return nil, fmt.Errorf("endpoint: bind cq: %w", err)
	}

	wait := dom.Provider.EffectiveWait(opts.WantWait)
	var ws fabric.WaitSet
	if wait == provider.WaitSet {
		ws, err = dom.Native.OpenWaitSet(ctx)
		if err != nil {
			return nil, fmt.Errorf("endpoint: OpenWaitSet: %w", err)
		}
		if err := fep.BindWaitSet(ws); err != nil {
			return nil, fmt.Errorf("endpoint: bind waitset: %w", err)
		}
	}

	if err := fep.BindAV(dom.AV); err != nil {
		return nil, fmt.Errorf("endpoint: bind av: %w", err)
	}
	if err := fep.Enable(); err != nil {
		return nil, fmt.Errorf("endpoint: enable: %w", err)
	}

	ep.Basic = fep
	ep.CQ = cq
	ep.WaitSet = ws
	ep.Unexpect = opid.NewQueue()

	if err := ep.resolveSelf(ctx, fep.GetName, opts.ExternalURI); err != nil {
		return nil, err
	}
	return ep, nil
}

// resolveSelf implements spec §4.5's "Self-address" step. The Go fabric
// interface returns the name directly rather than via a caller buffer, so
// the "retry once on too-small buffer" dance from the real fi_getname has
// no equivalent here; the PSM2 URI override still applies.
func (ep *Endpoint) resolveSelf(ctx context.Context, getName func(context.Context) ([]byte, error), externalURI func([]byte) (string, error)) error {
	native, err := getName(ctx)
	if err != nil {
		return fmt.Errorf("endpoint: get self name: %w", err)
	}
	ep.SelfNative = native

	if externalURI != nil {
		uri, err := externalURI(native)
		if err != nil {
			return fmt.Errorf("endpoint: external uri: %w", err)
		}
		ep.SelfURI = uri
		return nil
	}

	uri, err := ep.Domain.AV.StrAddr(native, ep.Provider.AddrFormat)
	if err != nil {
		return fmt.Errorf("endpoint: straddr: %w", err)
	}
	ep.SelfURI = uri
	return nil
}

// Close tears the endpoint down: the unexpected queue must be empty
// before this is called for anything but a forced shutdown (spec §4.6,
// enforced by nactx.Context.Destroy for the contexts that own one).
func (ep *Endpoint) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ep.WaitSet != nil {
		record(ep.WaitSet.Close())
	}
	if ep.CQ != nil {
		record(ep.CQ.Close())
	}
	if ep.Basic != nil {
		record(ep.Basic.Close())
	}
	if ep.Scalable != nil {
		record(ep.Scalable.Close())
	}
	return firstErr
}

// discoverLocalIPv4 backs the "sockets://auto" URI form: it picks the
// first non-loopback interface with an IPv4 address, the way a deployment
// script would rather than requiring every launcher to hardcode an IP.
// Every test supplies an explicit address instead, so this path never
// touches the host's real interfaces during the test suite.
func discoverLocalIPv4() ([]byte, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netlink: list links: %w", err)
	}
	for _, link := range links {
		if link.Attrs().Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip4 := a.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			return append([]byte(nil), ip4...), nil
		}
	}
	return nil, fmt.Errorf("no non-loopback IPv4 address found")
}
