// Package addr implements the Address object named in spec §3 and its
// lookup/self/dup/free/to-string/serialize operations (spec §4.13): a
// resolvable peer identity backed by a domain's address cache, refcounted
// by both the caller and any in-flight operation that targets it.
package addr

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/na-ofi/naofi-go/addr/codec"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/provider"
)

// Address is one resolvable peer identity (spec §3's "Address object").
// It satisfies opid.Releasable so an Op can AddRef/Release it directly
// without opid importing this package.
type Address struct {
	Domain *domain.Domain

	native []byte
	uri    string
	format fabric.AddrFormat
	handle fabric.Addr
	key    uint64

	refcount     atomic.Int32
	self         bool
	removeOnFree bool
}

// newAddress builds an Address with refcount 1 and a back-pointer to the
// owning domain. It does not take a reference on the domain: the
// domain's refcount is unchanged.
func newAddress(dom *domain.Domain, native []byte, format fabric.AddrFormat, handle fabric.Addr, key uint64) *Address {
	a := &Address{
		Domain: dom,
		native: append([]byte(nil), native...),
		format: format,
		handle: handle,
		key:    key,
	}
	a.refcount.Store(1)
	return a
}

// Lookup parses uri, resolves it through dom's address cache (inserting
// into the AV on first observation), and returns a new Address with
// refcount 1 (spec §4.13 "Lookup from URI"). The domain's refcount is not
// incremented.
func Lookup(ctx context.Context, dom *domain.Domain, codecs *codec.Registry, uri string) (*Address, error) {
	format, native, err := codecs.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("addr: lookup: %w", err)
	}
	key, err := codec.KeyFor(format, native)
	if err != nil {
		return nil, fmt.Errorf("addr: lookup: %w", err)
	}

	handle, err := resolve(ctx, dom, native, format, key)
	if err != nil {
		return nil, fmt.Errorf("addr: lookup: %w", err)
	}

	a := newAddress(dom, native, format, handle, key)
	a.removeOnFree = true
	return a, nil
}

// resolve wraps addrcache.LookupOrInsert with the domain-lock serialization
// providers flagged DomainLock require around AV insert/lookup (spec §4.4
// "Insert is serialized by the domain lock if the domain flag requires it").
func resolve(ctx context.Context, dom *domain.Domain, native []byte, format fabric.AddrFormat, key uint64) (fabric.Addr, error) {
	if dom.Provider.Flags.Has(provider.DomainLock) {
		dom.Lock()
		defer dom.Unlock()
	}
	return dom.Cache.LookupOrInsert(ctx, dom.AV, native, format, key)
}

// Self wraps an endpoint's already-resolved self-address bytes into an
// Address with no cache entry of its own (spec §4.13 "Self returns the
// endpoint's self-address, addref'd").
func Self(dom *domain.Domain, native []byte, format fabric.AddrFormat, uri string) *Address {
	a := newAddress(dom, native, format, fabric.Invalid, 0)
	a.uri = uri
	a.self = true
	return a
}

// Dup addrefs and returns the same Address (spec §4.13 "Dup addref's and
// returns the same object").
func (a *Address) Dup() *Address {
	a.AddRef()
	return a
}

// AddRef and Release implement opid.Releasable.
func (a *Address) AddRef() { a.refcount.Add(1) }

// Release decrements the refcount; at zero, if removeOnFree is set, it
// removes the entry from the domain's address cache, then clears the
// native bytes and URI. The domain's refcount is not decremented.
func (a *Address) Release() int32 {
	n := a.refcount.Add(-1)
	if n > 0 {
		return n
	}
	if a.removeOnFree && a.key != 0 {
		_ = a.Domain.Cache.Remove(context.Background(), a.Domain.AV, a.key)
	}
	a.native = nil
	a.uri = ""
	return n
}

// IsSelf reports whether this Address was produced by Self rather than
// Lookup (spec §6.1's addr_is_self).
func (a *Address) IsSelf() bool { return a.self }

// SetRemoveOnFree controls whether Release removes the cache entry on
// final decref (spec §6.1's addr_set_remove).
func (a *Address) SetRemoveOnFree(remove bool) { a.removeOnFree = remove }

// Handle returns the fabric address handle used to target sends/RMA at
// this peer.
func (a *Address) Handle() fabric.Addr { return a.handle }

// Key returns the 64-bit address-cache key.
func (a *Address) Key() uint64 { return a.key }

// Native returns a copy of the raw native address bytes.
func (a *Address) Native() []byte { return append([]byte(nil), a.native...) }

// ToString lazily regenerates the URI from the native bytes via the
// format's straddr-equivalent, caching the result (spec §4.13 "To-string
// lazily regenerates the URI from the native bytes").
func (a *Address) ToString(codecs *codec.Registry, prefix string) (string, error) {
	if a.uri != "" {
		return a.uri, nil
	}
	uri, err := codecs.Format(prefix, a.native)
	if err != nil {
		return "", fmt.Errorf("addr: to_string: %w", err)
	}
	a.uri = uri
	return uri, nil
}

// SerializeSize returns the exact byte length Serialize will produce (spec
// §6.4: "[addrlen: 8 bytes][native-address: addrlen bytes]").
func (a *Address) SerializeSize() int { return 8 + len(a.native) }

// Serialize writes the wire form of this address's native bytes (spec
// §4.13 "serialize writes (len, bytes)", §6.4).
func (a *Address) Serialize() []byte {
	buf := make([]byte, a.SerializeSize())
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(a.native)))
	copy(buf[8:], a.native)
	return buf
}

// Deserialize allocates a new Address from wire bytes, re-running the
// cache lookup to recover the fabric-address handle (spec §4.13
// "deserialize allocates a new address and re-runs the cache lookup").
func Deserialize(ctx context.Context, dom *domain.Domain, format fabric.AddrFormat, data []byte) (*Address, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("addr: deserialize: short buffer (%d < 8)", len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)-8) < n {
		return nil, fmt.Errorf("addr: deserialize: declared length %d exceeds buffer", n)
	}
	native := data[8 : 8+n]

	key, err := codec.KeyFor(format, native)
	if err != nil {
		return nil, fmt.Errorf("addr: deserialize: %w", err)
	}
	handle, err := resolve(ctx, dom, native, format, key)
	if err != nil {
		return nil, fmt.Errorf("addr: deserialize: %w", err)
	}

	a := newAddress(dom, native, format, handle, key)
	a.removeOnFree = true
	return a, nil
}

// FromUnexpected wraps a fabric-resolved source handle recovered by the
// completion engine (EADDRNOTAVAIL recovery, or a directly-reported AV
// source) into an Address usable as a recv-unexpected op's source (spec
// §4.10's "resolve the source address" step).
func FromUnexpected(dom *domain.Domain, native []byte, format fabric.AddrFormat, handle fabric.Addr, key uint64) *Address {
	a := newAddress(dom, native, format, handle, key)
	a.removeOnFree = true
	return a
}
