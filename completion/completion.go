// Package completion implements the completion engine (spec §4.10): one
// non-blocking dispatch tick per call, harvesting regular and error
// completions off a context's CQ and resolving each one back to the
// opid.Op that posted it.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/na-ofi/naofi-go/addr/codec"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/nactx"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

// maxPerTick bounds how many regular completions one Progress call drains,
// so a saturated CQ can't starve other contexts sharing the same poller
// (spec §4.10: "read up to 16 entries per tick").
const maxPerTick = 16

// Engine dispatches completions for every context opened against one
// domain. Ops is the cookie-keyed table of every currently posted
// operation (sends, expected recvs, RMA); unexpected recvs additionally
// live on their owning context's own opid.Queue until matched.
type Engine struct {
	Domain  *domain.Domain
	Ops     *opid.Table
	Metrics *Collector // nil disables metrics entirely

	log *slog.Logger
}

// New returns an Engine bound to dom, tracking ops in table. metrics may
// be nil.
func New(dom *domain.Domain, table *opid.Table, metrics *Collector, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Domain: dom, Ops: table, Metrics: metrics, log: log}
}

// Progress drains one tick of c's CQ: up to maxPerTick regular
// completions, then at most one pending error completion. It returns how
// many events it handled: each regular completion matched to an op, plus
// one for a harvested error entry (also when that entry completed no op,
// except a cancellation whose op is no longer tracked). It never blocks —
// callers that want to wait belong in package progress.
func (e *Engine) Progress(ctx context.Context, c *nactx.Context) (int, error) {
	processed := 0

	events, err := c.CQ.ReadFrom(ctx, maxPerTick)
	if err != nil && !errors.Is(err, fabric.ErrNoEventAvailable) {
		return processed, fmt.Errorf("completion: read cq: %w", err)
	}
	for _, ev := range events {
		if e.dispatch(c, ev) {
			processed++
		}
	}

	entry, err := c.CQ.ReadError(ctx)
	switch {
	case err == nil:
		handled, derr := e.dispatchError(ctx, c, entry)
		if derr != nil {
			return processed, derr
		}
		if handled {
			processed++
		}
	case errors.Is(err, fabric.ErrNoEventAvailable):
		// nothing pending, not an error
	default:
		return processed, fmt.Errorf("completion: read error queue: %w", err)
	}

	return processed, nil
}

// dispatch resolves ev to the op it completes and reports whether one was
// found (spec §4.10 step 2: SEND, RECV-expected, RECV-unexpected, and
// RMA each resolve through a different table).
func (e *Engine) dispatch(c *nactx.Context, ev fabric.CQEvent) bool {
	switch {
	case ev.Flags&fabric.FlagSend != 0:
		op, ok := e.Ops.Remove(ev.Token)
		if !ok {
			e.countDropped()
			return false
		}
		op.Complete(opid.Result{Type: op.Type(), Length: ev.Len, Tag: ev.Tag})
		e.countCompleted()
		return true

	case ev.Flags&fabric.FlagRecv != 0:
		return e.dispatchRecv(c, ev)

	case ev.Flags&(fabric.FlagRMA|fabric.FlagWrite|fabric.FlagRead) != 0:
		op, ok := e.Ops.Remove(ev.Token)
		if !ok {
			e.countDropped()
			return false
		}
		op.Complete(opid.Result{Type: op.Type(), Length: ev.Len})
		e.countCompleted()
		return true

	default:
		e.log.Warn("completion: event with no recognized flag", "flags", ev.Flags)
		e.countDropped()
		return false
	}
}

// dispatchRecv branches on the tag's expected-flag bit (spec §4.11).
// Expected recvs are matched purely by cookie and must carry the exact
// tag they were posted with; unexpected recvs come off the context's own
// unexpected-op queue instead of the shared table, and never outlive it
// (invariant: an unexpected op is on the queue or neither queue, never
// both).
func (e *Engine) dispatchRecv(c *nactx.Context, ev fabric.CQEvent) bool {
	if ev.Tag&opid.TagExpectedFlag != 0 {
		op, ok := e.Ops.Remove(ev.Token)
		if !ok {
			e.countDropped()
			return false
		}
		if op.Tag() != 0 && ev.Tag != op.Tag() {
			// Wrong tag reported for this token: put the op back rather
			// than completing it on a payload it didn't ask for.
			e.Ops.Add(op)
			e.log.Warn("completion: recv event tag mismatch", "token", ev.Token, "want", op.Tag(), "got", ev.Tag)
			e.countDropped()
			return false
		}
		op.Complete(opid.Result{Type: op.Type(), Length: ev.Len, Tag: ev.Tag, Source: ev.Addr})
		e.countCompleted()
		return true
	}

	op, ok := c.Unexpect.Remove(ev.Token)
	if !ok {
		e.countDropped()
		return false
	}
	e.Ops.Remove(ev.Token)
	op.Complete(opid.Result{Type: op.Type(), Length: ev.Len, Tag: ev.Tag, Source: ev.Addr})
	e.countCompleted()
	return true
}

// dispatchError handles one harvested CQErrEntry (spec §4.10 step 4 /
// §7): FI_ECANCELED completes the op as canceled, FI_EADDRNOTAVAIL
// recovers the sender's address into the cache before completing it,
// FI_EIO surfaces as a hard error, anything else is logged and dropped.
func (e *Engine) dispatchError(ctx context.Context, c *nactx.Context, entry *fabric.CQErrEntry) (bool, error) {
	switch entry.Errno {
	case fabric.ErrnoCanceled:
		op, ok := e.takeOp(c, entry.Token)
		e.countCanceled()
		if !ok {
			return false, nil
		}
		op.Complete(opid.Result{})
		return true, nil

	case fabric.ErrnoAddrNotAvail:
		src, err := e.resolveUnavailableAddr(ctx, entry.ErrData)
		if err != nil {
			return true, fmt.Errorf("completion: resolve unavailable address: %w", err)
		}
		e.countRecovered()
		op, ok := e.takeOp(c, entry.Token)
		if !ok {
			return true, nil
		}
		op.Complete(opid.Result{Type: op.Type(), Source: src})
		return true, nil

	case fabric.ErrnoIO:
		e.countIOError()
		return true, fmt.Errorf("completion: provider reported an I/O error on token %d", entry.Token)

	default:
		e.log.Warn("completion: ignoring unrecognized fabric error", "token", entry.Token, "errno", entry.Errno)
		e.countDropped()
		return true, nil
	}
}

// takeOp removes entry's token from whichever table currently holds it:
// the shared op table for everything posted, plus the context's
// unexpected queue for unexpected recvs.
func (e *Engine) takeOp(c *nactx.Context, token uint64) (*opid.Op, bool) {
	if op, ok := e.Ops.Remove(token); ok {
		c.Unexpect.Remove(token)
		return op, true
	}
	return c.Unexpect.Remove(token)
}

// resolveUnavailableAddr inserts the native address carried by an
// FI_EADDRNOTAVAIL error into the domain's address cache, so the next
// message from the same peer resolves without another round trip (spec
// §4.4, §4.10: "insert the recovered address, then complete normally").
func (e *Engine) resolveUnavailableAddr(ctx context.Context, native []byte) (fabric.Addr, error) {
	key, err := codec.KeyFor(e.Domain.Provider.AddrFormat, native)
	if err != nil {
		return fabric.Invalid, err
	}
	if e.Domain.Provider.Flags.Has(provider.DomainLock) {
		e.Domain.Lock()
		defer e.Domain.Unlock()
	}
	return e.Domain.Cache.LookupOrInsert(ctx, e.Domain.AV, native, e.Domain.Provider.AddrFormat, key)
}

func (e *Engine) countCompleted() {
	if e.Metrics != nil {
		e.Metrics.completed.Inc()
	}
}

func (e *Engine) countCanceled() {
	if e.Metrics != nil {
		e.Metrics.canceled.Inc()
	}
}

func (e *Engine) countRecovered() {
	if e.Metrics != nil {
		e.Metrics.recovered.Inc()
	}
}

func (e *Engine) countIOError() {
	if e.Metrics != nil {
		e.Metrics.ioErrors.Inc()
	}
}

func (e *Engine) countDropped() {
	if e.Metrics != nil {
		e.Metrics.dropped.Inc()
	}
}
