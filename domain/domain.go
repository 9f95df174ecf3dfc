// Package domain implements the process-wide domain registry (spec
// §4.3): fabric+domain+AV+global-MR bundles shared by reference count
// across every endpoint that opens the same (provider, domain-name) pair.
package domain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/na-ofi/naofi-go/addrcache"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/provider"
)

// GlobalMRKey is the requested key for the domain-spanning MR registered
// when the provider's MR mode lacks "allocated" (spec §4.3). When the MR
// mode includes provider keys, no key is requested and the provider
// chooses one.
const GlobalMRKey = 0x0F1B0F1B

// Domain bundles everything endpoints of one (provider, domain-name) pair
// share: the fabric/domain handles, the address vector, the optional
// domain-spanning MR, and the address cache (spec §3's "Domain" entity).
type Domain struct {
	Provider provider.Entry
	Info     *fabric.Info

	Fab    fabric.Fabric
	Native fabric.Domain
	AV     fabric.AddressVector
	Cache  *addrcache.Cache

	globalMR    fabric.MR
	globalMRKey uint64
	hasGlobalMR bool

	// lock serializes AV insert/lookup and cancel for providers flagged
	// DomainLock (spec §5).
	lock sync.Mutex

	refcount atomic.Int32
	key      registryKey
}

type registryKey struct {
	provider string
	name     string
}

// Lock/Unlock expose the per-domain serialization mutex to callers that
// need it only when the provider demands it (spec §5); callers check
// Domain.Provider.Flags.Has(provider.DomainLock) themselves.
func (d *Domain) Lock()   { d.lock.Lock() }
func (d *Domain) Unlock() { d.lock.Unlock() }

// GlobalKey and HasGlobalMR expose whether handles should alias the
// domain-wide registration (spec §4.8's scalable-MR path).
func (d *Domain) HasGlobalMR() bool    { return d.hasGlobalMR }
func (d *Domain) GlobalKey() uint64    { return d.globalMRKey }
func (d *Domain) RefCount() int32      { return d.refcount.Load() }

// Registry is the process-wide domain list (spec §3, §4.3).
type Registry struct {
	mu      sync.Mutex
	domains map[registryKey]*Domain
	breaker *gobreaker.CircuitBreaker
}

// NewRegistry returns an empty registry. The circuit breaker wraps the
// provider-info query on the open path: three consecutive query failures
// trip it, so a flapping or absent fabric fails fast instead of hanging
// every subsequent Open call behind the same doomed query (spec §4.3
// only describes the happy path; this is an ambient-reliability addition,
// not a change to domain-matching semantics).
func NewRegistry() *Registry {
	return &Registry{
		domains: make(map[registryKey]*Domain),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "na-ofi-domain-getinfo",
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
		}),
	}
}

// Default is the process-wide registry used by the naofi package.
var Default = NewRegistry()

// Open finds or creates the Domain for (prov, domainName) over fab (spec
// §4.3). hints narrows the provider-info query on the creation path.
func (r *Registry) Open(ctx context.Context, fab fabric.Fabric, prov provider.Entry, domainName string, hints *fabric.Hints) (*Domain, error) {
	key := registryKey{provider: prov.Name}
	if prov.Flags.Has(provider.RequiresDomainVerify) {
		key.name = domainName
	}

	r.mu.Lock()
	if d, ok := r.domains[key]; ok && matches(d, prov, domainName) {
		d.refcount.Add(1)
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return fab.GetInfo(ctx, hints)
	})
	if err != nil {
		return nil, fmt.Errorf("domain: open: provider info query failed: %w", err)
	}
	infos := result.([]*fabric.Info)
	if len(infos) == 0 {
		return nil, fmt.Errorf("domain: open: no matching provider info for %q", prov.Name)
	}
	info := infos[0].Clone()

	nativeDomain, err := fab.OpenDomain(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("domain: open: OpenDomain: %w", err)
	}

	d := &Domain{
		Provider: prov,
		Info:     info,
		Fab:      fab,
		Native:   nativeDomain,
		Cache:    addrcache.NewCache(),
		key:      key,
	}
	d.refcount.Store(1)

	av, err := nativeDomain.OpenAV(ctx)
	if err != nil {
		nativeDomain.Close()
		return nil, fmt.Errorf("domain: open: OpenAV: %w", err)
	}
	d.AV = av

	if !info.MRMode.Has(fabric.MRAllocated) {
		reqKey := uint64(GlobalMRKey)
		if info.MRMode.Has(fabric.MRProviderKey) {
			reqKey = 0
		}
		mr, err := nativeDomain.RegisterMR(ctx, nil, fabric.AccessRemoteRead|fabric.AccessRemoteWrite|fabric.AccessLocalRead|fabric.AccessLocalWrite, reqKey)
		if err != nil {
			av.Close()
			nativeDomain.Close()
			return nil, fmt.Errorf("domain: open: global MR registration: %w", err)
		}
		d.globalMR = mr
		d.globalMRKey = mr.Key()
		d.hasGlobalMR = true
	}

	r.mu.Lock()
	r.domains[key] = d
	r.mu.Unlock()
	return d, nil
}

func matches(d *Domain, prov provider.Entry, domainName string) bool {
	if d.Provider.Name != prov.Name {
		return false
	}
	if prov.Flags.Has(provider.RequiresDomainVerify) {
		return d.Info.DomainName == domainName
	}
	return true
}

// Close decrements d's refcount; at zero it removes d from the registry,
// closes the global MR, the AV and the native domain in that order
// (fabric.Fabric has no Close, so nothing further is closed), and then
// clears the info's auth key.
func (r *Registry) Close(d *Domain) error {
	if d.refcount.Add(-1) > 0 {
		return nil
	}

	r.mu.Lock()
	if cur, ok := r.domains[d.key]; ok && cur == d {
		delete(r.domains, d.key)
	}
	r.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.hasGlobalMR && d.globalMR != nil {
		record(d.globalMR.Close())
	}
	if d.AV != nil {
		record(d.AV.Close())
	}
	if d.Native != nil {
		record(d.Native.Close())
	}
	if d.Info != nil {
		d.Info.AuthKey = nil
	}
	return firstErr
}
