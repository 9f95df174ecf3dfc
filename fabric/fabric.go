// Package fabric defines the libfabric-shaped surface the rest of this
// module is adapted against (spec §6.2). The real libfabric is a C
// library; nothing in this repository binds it via cgo, so Fabric is the
// seam a real binding would implement. fabric/simulated provides a
// deterministic in-process implementation used by every test and by
// cmd/naofi-probe.
package fabric

import (
	"context"
	"errors"
	"time"
)

// AddrFormat identifies the wire shape of a native address.
type AddrFormat int

const (
	AddrFormatUnspec AddrFormat = iota
	AddrFormatSock              // IPv4 socket address
	AddrFormatPSM2
	AddrFormatGNI
)

func (f AddrFormat) String() string {
	switch f {
	case AddrFormatSock:
		return "sockets"
	case AddrFormatPSM2:
		return "psm2"
	case AddrFormatGNI:
		return "gni"
	default:
		return "unspec"
	}
}

// MRMode mirrors the fi_mr_mode bits named in spec §6.2.
type MRMode uint32

const (
	MRVirtAddr MRMode = 1 << iota
	MRAllocated
	MRProviderKey
	MRLocal
)

func (m MRMode) Has(bit MRMode) bool { return m&bit != 0 }

// Caps is a small subset of fi_info::caps relevant to this plugin.
type Caps uint32

const (
	CapTagged Caps = 1 << iota
	CapRMA
)

// Mode mirrors fi_info::mode bits the plugin cares about.
type Mode uint32

const (
	ModeContext Mode = 1 << iota
)

// Hints narrows a GetInfo query (spec §4.3: "reliable-datagram endpoint,
// tagged+RMA capability, basic+local MR mode, same-tag send-after-send
// message ordering, completion-on-inject-complete, thread-safe").
type Hints struct {
	Provider   string
	DomainName string
	AddrFormat AddrFormat
	Caps       Caps
	MRMode     MRMode
}

// Info is one fi_info entry returned by GetInfo: a candidate provider +
// domain + endpoint description.
type Info struct {
	ProviderName  string
	DomainName    string
	AddrFormat    AddrFormat
	SrcAddr       []byte
	MRMode        MRMode
	Caps          Caps
	Mode          Mode
	MaxUnexpected int
	MaxExpected   int
	RxCtxCnt      int
	TxCtxCnt      int
	AuthKey       []byte
}

// Clone returns a deep copy, used when a domain "duplicates" the matching
// fi_info entry per spec §4.3.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	c := *i
	c.SrcAddr = append([]byte(nil), i.SrcAddr...)
	c.AuthKey = append([]byte(nil), i.AuthKey...)
	return &c
}

// Fabric is the top-level factory, analogous to fi_fabric.
type Fabric interface {
	GetInfo(ctx context.Context, hints *Hints) ([]*Info, error)
	OpenDomain(ctx context.Context, info *Info) (Domain, error)
	Name() string
}

// Addr is the compact per-AV-entry handle libfabric calls fi_addr_t.
type Addr uint64

// Invalid is returned by AV operations that failed to produce a handle.
const Invalid Addr = ^Addr(0)

// Domain groups an endpoint, an address vector, CQs, wait sets, and memory
// registrations that share a single fabric+domain pair (spec §3, §4.3).
type Domain interface {
	OpenEndpoint(ctx context.Context, info *Info) (Endpoint, error)
	OpenScalableEndpoint(ctx context.Context, info *Info, rxCtxCnt int) (ScalableEndpoint, error)
	OpenAV(ctx context.Context) (AddressVector, error)
	OpenCQ(ctx context.Context, depth int) (CQ, error)
	OpenWaitSet(ctx context.Context) (WaitSet, error)
	RegisterMR(ctx context.Context, buf []byte, access MRAccess, reqKey uint64) (MR, error)
	Close() error
}

// AddressVector maps native addresses to compact Addr handles.
type AddressVector interface {
	// Insert returns the Addr for native, inserting if not already present.
	// InsertCount reports how many Insert calls were the first insert of
	// their native address (repeat inserts of an address already present
	// are not counted), so tests can assert the dedup invariant in spec §8.
	Insert(ctx context.Context, native []byte, format AddrFormat) (Addr, error)
	Remove(ctx context.Context, a Addr) error
	// StrAddr formats a native address for display (fi_av_straddr).
	StrAddr(native []byte, format AddrFormat) (string, error)
	InsertCount() int
	Close() error
}

// MRAccess mirrors the access-mode flags a memory handle may request.
type MRAccess uint32

const (
	AccessRemoteRead MRAccess = 1 << iota
	AccessRemoteWrite
	AccessLocalRead
	AccessLocalWrite
)

// MR is a registered memory region.
type MR interface {
	Key() uint64
	Close() error
}

// WaitSet consolidates multiple CQs into one sleepable object (spec
// glossary: "Wait set").
type WaitSet interface {
	Wait(ctx context.Context, timeout time.Duration) error
	Close() error
}

// CQEventFlags mirrors the fi_cq flags the completion engine dispatches on.
type CQEventFlags uint32

const (
	FlagSend CQEventFlags = 1 << iota
	FlagRecv
	FlagRMA
	FlagWrite
	FlagRead
)

// CQEvent is one harvested completion (spec §4.10 step 2).
type CQEvent struct {
	Flags CQEventFlags
	Token uint64 // correlates back to the fi_context cookie (opid)
	Tag   uint64
	Len   int
	Addr  Addr // source address if the provider reported one, else Invalid
}

// CQErrno enumerates the fabric-reported error kinds spec §4.10/§7 branch on.
type CQErrno int

const (
	ErrnoNone CQErrno = iota
	ErrnoCanceled
	ErrnoAddrNotAvail
	ErrnoIO
	ErrnoOther
)

// CQErrEntry is one harvested error completion.
type CQErrEntry struct {
	Token   uint64
	Errno   CQErrno
	ErrData []byte // native source address, populated for ErrnoAddrNotAvail
}

var (
	ErrNoEventAvailable = errors.New("fabric: no completion available")
	ErrAgain            = errors.New("fabric: resource temporarily unavailable")
	ErrUnsupported      = errors.New("fabric: operation not supported by provider")
)

// CQ is a completion queue bound to one or more endpoints/contexts.
type CQ interface {
	// ReadFrom harvests up to max regular completions plus the sender
	// addresses the provider reported (spec §4.10 step 1). Returns
	// ErrNoEventAvailable ("no events") when nothing is ready.
	ReadFrom(ctx context.Context, max int) ([]CQEvent, error)
	// ReadError harvests a single pending error completion, or
	// ErrNoEventAvailable if none is pending (spec §4.10 step 4).
	ReadError(ctx context.Context) (*CQErrEntry, error)
	// Signal wakes a thread blocked in Wait (spec §5, skip-signal flag).
	Signal() error
	// Wait blocks up to timeout for at least one completion or error to
	// become available.
	Wait(ctx context.Context, timeout time.Duration) error
	// FD returns an OS file descriptor usable with poll(2), or
	// ErrUnsupported for providers without wait-fd support.
	FD() (int, error)
	Close() error
}

// SendRecv is the tagged messaging surface bound to an endpoint or a
// scalable endpoint's tx/rx subcontext (spec §4.12).
type SendRecv interface {
	TSend(ctx context.Context, buf []byte, dest Addr, tag uint64, token uint64) error
	TRecv(ctx context.Context, buf []byte, src Addr, tag, ignore uint64, token uint64) error
	Write(ctx context.Context, buf []byte, dest Addr, remoteOffset int64, key uint64, token uint64, deliveryComplete bool) error
	Read(ctx context.Context, buf []byte, dest Addr, remoteOffset int64, key uint64, token uint64) error
	Cancel(token uint64) error
}

// Endpoint is a basic (non-scalable) endpoint: one CQ, one tx/rx pair.
type Endpoint interface {
	SendRecv
	BindCQ(cq CQ) error
	BindAV(av AddressVector) error
	BindWaitSet(ws WaitSet) error
	Enable() error
	GetName(ctx context.Context) ([]byte, error)
	Close() error
}

// ScalableEndpoint offers independently progressable tx/rx subcontexts
// (glossary: SEP).
type ScalableEndpoint interface {
	BindAV(av AddressVector) error
	Enable() error
	GetName(ctx context.Context) ([]byte, error)
	TxContext(ctx context.Context, index int, cq CQ) (SendRecv, error)
	RxContext(ctx context.Context, index int, cq CQ) (SendRecv, error)
	Close() error
}
