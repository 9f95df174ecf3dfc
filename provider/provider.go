// Package provider holds the static, compile-time table of supported
// fabric providers (spec §4.1). Every per-backend quirk lives here as a
// capability flag; no other package may branch on a provider name string.
package provider

import "github.com/na-ofi/naofi-go/fabric"

// Flags encodes the per-provider behavior bits named in spec §4.1,
// mirroring NA_OFI_VERIFY_PROV_DOM / NA_OFI_WAIT_SET / ... in the original
// source.
type Flags uint32

const (
	// RequiresDomainVerify means a domain-registry match also requires the
	// domain name to be equal, not just the provider type (spec §4.3).
	RequiresDomainVerify Flags = 1 << iota
	// SupportsWaitSet means the provider can back a fabric wait set.
	SupportsWaitSet
	// SupportsWaitFD means the provider can hand back a pollable fd.
	SupportsWaitFD
	// SkipSignal means the CQ never needs an explicit wakeup signal on
	// cancellation (spec §5).
	SkipSignal
	// DomainLock means AV insert/lookup and fi_cancel must be serialized
	// by a per-domain mutex (spec §5).
	DomainLock
	// NoScalableEndpoint forces the basic-endpoint path unconditionally
	// (spec §4.5, §9).
	NoScalableEndpoint
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Entry is one provider's static profile.
type Entry struct {
	Name       string // canonical name, e.g. "sockets"
	Alias      string // e.g. "" or an alternate spelling
	AddrFormat fabric.AddrFormat
	Flags      Flags
	// MaxContexts bounds how many nactx.Context a scalable endpoint may
	// fan out to (spec §4.6).
	MaxContexts int
}

// WaitMode is the effective progress mode after capability gating.
type WaitMode int

const (
	WaitNone WaitMode = iota
	WaitFD
	WaitSet
)

// EffectiveWait returns the wait mode a caller's requested preference
// collapses to once gated by this entry's capabilities (spec §4.1:
// "'No wait' is forced if neither wait-set nor wait-fd is supported").
func (e Entry) EffectiveWait(requested WaitMode) WaitMode {
	switch {
	case !e.Flags.Has(SupportsWaitSet) && !e.Flags.Has(SupportsWaitFD):
		return WaitNone
	case requested == WaitFD && !e.Flags.Has(SupportsWaitFD):
		if e.Flags.Has(SupportsWaitSet) {
			return WaitSet
		}
		return WaitNone
	case requested == WaitSet && !e.Flags.Has(SupportsWaitSet):
		if e.Flags.Has(SupportsWaitFD) {
			return WaitFD
		}
		return WaitNone
	case requested == WaitNone:
		return WaitNone
	default:
		return requested
	}
}

// Table is the static provider table (spec §4.1, §6.2: "sockets,
// TCP+RxM, verbs+RxM, Intel PSM2, Cray GNI").
var Table = []Entry{
	{
		Name:        "sockets",
		AddrFormat:  fabric.AddrFormatSock,
		Flags:       SupportsWaitFD,
		MaxContexts: 16,
	},
	{
		Name:        "tcp",
		Alias:       "ofi_rxm",
		AddrFormat:  fabric.AddrFormatSock,
		Flags:       SupportsWaitFD | NoScalableEndpoint,
		MaxContexts: 16,
	},
	{
		Name:        "verbs",
		Alias:       "ofi_rxm",
		AddrFormat:  fabric.AddrFormatSock,
		Flags:       SupportsWaitFD | RequiresDomainVerify | DomainLock,
		MaxContexts: 32,
	},
	{
		Name:        "psm2",
		AddrFormat:  fabric.AddrFormatPSM2,
		Flags:       RequiresDomainVerify | DomainLock | SkipSignal,
		MaxContexts: 64,
	},
	{
		Name:        "gni",
		AddrFormat:  fabric.AddrFormatGNI,
		Flags:       SupportsWaitSet | RequiresDomainVerify | DomainLock,
		MaxContexts: 32,
	},
}

// Lookup finds a provider entry by canonical name or alias (spec §4.1).
func Lookup(name string) (Entry, bool) {
	for _, e := range Table {
		if e.Name == name || (e.Alias != "" && e.Alias == name) {
			return e, true
		}
	}
	return Entry{}, false
}
