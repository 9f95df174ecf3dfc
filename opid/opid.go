// Package opid implements the operation-ID state machine (spec §4.9):
// refcounted, per-outstanding-operation bundles carrying the fabric
// context cookie, the consumer's completion callback, and atomic status
// bits that can only ever be OR'd in within one post/complete cycle.
package opid

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/na-ofi/naofi-go/fabric"
)

// Status is a bitmask; bits are only ever OR'd in, never cleared, within
// one post/cancel/complete cycle (spec invariant 5). Create resets it.
type Status uint32

const (
	StatusCompleted Status = 1 << iota
	StatusCanceled
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

// Tag-protocol constants shared by every caller that posts or matches a
// tagged send/recv: a 30-bit user tag plus a high bit distinguishing
// expected from unexpected traffic, so a provider with only one wire tag
// space can still run both protocols over it.
const (
	TagExpectedFlag     uint64 = 0x1_0000_0000
	TagUnexpectedIgnore uint64 = 0x0_FFFF_FFFF
	TagUnexpectedPost   uint64 = 1
	MaxTag              uint64 = 1<<30 - 1
)

// Type tags which operation a post is for, used to pick the completion
// discriminant in the completion engine (spec §4.10).
type Type int

const (
	TypeUnset Type = iota
	TypeSendExpected
	TypeSendUnexpected
	TypeRecvExpected
	TypeRecvUnexpected
	TypePut
	TypeGet
)

// Result is what a completion callback receives.
type Result struct {
	Status Status
	Type   Type
	Length int
	Tag    uint64
	Source fabric.Addr
	Err    error
}

// Canceled reports whether this result represents a canceled operation.
func (r Result) Canceled() bool { return r.Status.Has(StatusCanceled) }

// Callback is invoked exactly once per post, when the completion engine
// (or cancel) harvests the matching event. arg is whatever the poster
// passed to Post, returned verbatim.
type Callback func(arg any, result Result)

// Releasable is the narrow addr.Address surface an Op addrefs/decrefs on
// post/complete (spec §4.12 step 2, §4.9's "addr is decref'd"). Declared
// here instead of imported to keep opid free of a dependency on addr.
type Releasable interface {
	AddRef()
	Release() int32
}

// Op is one outstanding (or reusable, once completed) fabric operation.
type Op struct {
	refcount atomic.Int32
	status   atomic.Uint32

	mu       sync.Mutex
	typ      Type
	cookie   uint64
	tag      uint64
	callback Callback
	arg      any
	target   Releasable
}

// New creates an op in the INACTIVE state (status=COMPLETED, ready to be
// posted) with refcount 1, matching op_create (spec §4.9).
func New() *Op {
	o := &Op{}
	o.refcount.Store(1)
	o.status.Store(uint32(StatusCompleted))
	return o
}

// Reset puts an already-allocated op back into the INACTIVE state for
// reuse, the way op_create resets status on every call (spec §4.9).
func (o *Op) Reset() {
	o.mu.Lock()
	o.typ = TypeUnset
	o.tag = 0
	o.callback = nil
	o.arg = nil
	o.target = nil
	o.mu.Unlock()
	o.status.Store(uint32(StatusCompleted))
}

func (o *Op) AddRef() { o.refcount.Add(1) }

// Release decrements the refcount and returns the post-decrement value;
// callers destroy the op once it reaches zero (spec §4.9's op_destroy).
func (o *Op) Release() int32 { return o.refcount.Add(-1) }

func (o *Op) Cookie() uint64 { return o.cookie }
func (o *Op) Type() Type     { return o.typ }
func (o *Op) Status() Status { return Status(o.status.Load()) }

// Tag returns the tag this op was posted with, for an expected recv the
// completion engine checks a harvested event's tag against (invariant: a
// completion event whose tag doesn't match must not complete this op).
func (o *Op) Tag() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tag
}

// SetTag records the tag an expected-recv post is waiting for. Send posts
// and unexpected-recv posts never call this; their Tag() stays 0.
func (o *Op) SetTag(tag uint64) {
	o.mu.Lock()
	o.tag = tag
	o.mu.Unlock()
}

// Post transitions INACTIVE->ACTIVE: the caller must have already
// asserted the op was COMPLETED (spec §4.9's "on entry, caller asserts op
// is COMPLETED"). It addrefs the op and, if target is non-nil, the peer
// address too (spec §4.12 step 2).
func (o *Op) Post(typ Type, cookie uint64, cb Callback, arg any, target Releasable) error {
	if !o.Status().Has(StatusCompleted) {
		return fmt.Errorf("opid: post called on an op that is not COMPLETED")
	}
	o.AddRef()
	o.mu.Lock()
	o.typ = typ
	o.cookie = cookie
	o.callback = cb
	o.arg = arg
	o.target = target
	o.mu.Unlock()
	o.status.Store(0)
	if target != nil {
		target.AddRef()
	}
	return nil
}

// Cancel performs the spec's compare-and-swap 0->CANCELED (spec §4.9). A
// failed CAS means the op already completed or was already canceled;
// per spec that is reported as success with no side effect.
func (o *Op) Cancel() bool {
	return o.status.CompareAndSwap(0, uint32(StatusCanceled))
}

// Complete OR's in COMPLETED, decrefs the target address if one was
// posted, and invokes the stored callback (spec §4.9's completion step).
func (o *Op) Complete(result Result) {
	o.status.Or(uint32(StatusCompleted))
	result.Status = Status(o.status.Load())

	o.mu.Lock()
	cb := o.callback
	arg := o.arg
	target := o.target
	o.callback = nil
	o.target = nil
	o.mu.Unlock()

	if target != nil {
		target.Release()
	}
	if cb != nil {
		cb(arg, result)
	}
}

// Queue is the spin-lock-guarded unexpected-op queue named in the data
// model (§3): a per-endpoint or per-context list of posted-but-not-yet-
// matched recv-unexpected ops, keyed by their fabric context cookie so
// the completion engine and cancel path can find and remove them in O(1).
type Queue struct {
	mu       sync.Mutex
	byCookie map[uint64]*Op
}

func NewQueue() *Queue {
	return &Queue{byCookie: make(map[uint64]*Op)}
}

func (q *Queue) Add(op *Op) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byCookie[op.Cookie()] = op
}

// Remove deletes the op with the given cookie and reports whether it was
// present (spec invariant 4: an unexpected op is on the queue or neither
// queue, never both, and must be removed before completion is posted).
func (q *Queue) Remove(cookie uint64) (*Op, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.byCookie[cookie]
	if ok {
		delete(q.byCookie, cookie)
	}
	return op, ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byCookie)
}

// Table is the same cookie-keyed registry shape as Queue, used by the
// completion engine to track every posted op (not just unexpected
// receives) so a harvested CQ event's token can be resolved back to the
// Op that posted it.
type Table = Queue

func NewTable() *Table { return NewQueue() }
