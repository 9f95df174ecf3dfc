package naofi

import (
	"context"

	"github.com/na-ofi/naofi-go/addr"
)

// AddrLookup implements addr_lookup: a synchronous resolve-and-cache of a
// peer's URI (spec §4.13).
func (p *Plugin) AddrLookup(ctx context.Context, uri string) (*addr.Address, error) {
	a, err := addr.Lookup(ctx, p.Domain, p.Codecs, uri)
	if err != nil {
		return nil, wrap("addr_lookup", StatusAddrNotAvailable, err)
	}
	return a, nil
}

// AddrLookup2 implements addr_lookup2: the same resolution as AddrLookup,
// but delivered through a callback rather than returned directly, for
// callers structured around the same completion-style API as the
// messaging operations (spec §4.13).
func (p *Plugin) AddrLookup2(ctx context.Context, uri string, cb func(*addr.Address, error)) {
	a, err := p.AddrLookup(ctx, uri)
	cb(a, err)
}

// AddrSelf implements addr_self: the endpoint's own address, not subject
// to cache removal (spec §4.13).
func (p *Plugin) AddrSelf() *addr.Address {
	return addr.Self(p.Domain, p.Endpoint.SelfNative, p.Provider.AddrFormat, p.Endpoint.SelfURI)
}

// AddrDup implements addr_dup.
func (p *Plugin) AddrDup(a *addr.Address) *addr.Address { return a.Dup() }

// AddrFree implements addr_free, returning the post-decrement refcount.
func (p *Plugin) AddrFree(a *addr.Address) int32 { return a.Release() }

// AddrSetRemove implements addr_set_remove.
func (p *Plugin) AddrSetRemove(a *addr.Address, remove bool) { a.SetRemoveOnFree(remove) }

// AddrIsSelf implements addr_is_self.
func (p *Plugin) AddrIsSelf(a *addr.Address) bool { return a.IsSelf() }

// AddrToString implements addr_to_string, using this plugin's provider
// name as the URI's scheme prefix.
func (p *Plugin) AddrToString(a *addr.Address) (string, error) {
	s, err := a.ToString(p.Codecs, p.Provider.Name)
	if err != nil {
		return "", wrap("addr_to_string", StatusProtocolError, err)
	}
	return s, nil
}

// AddrGetSerializeSize implements addr_get_serialize_size.
func (p *Plugin) AddrGetSerializeSize(a *addr.Address) int { return a.SerializeSize() }

// AddrSerialize implements addr_serialize.
func (p *Plugin) AddrSerialize(a *addr.Address) []byte { return a.Serialize() }

// AddrDeserialize implements addr_deserialize, re-resolving the address
// through this plugin's domain cache (spec §4.13, §6.4).
func (p *Plugin) AddrDeserialize(ctx context.Context, data []byte) (*addr.Address, error) {
	a, err := addr.Deserialize(ctx, p.Domain, p.Provider.AddrFormat, data)
	if err != nil {
		return nil, wrap("addr_deserialize", StatusInvalidArg, err)
	}
	return a, nil
}
