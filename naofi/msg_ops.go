package naofi

import (
	"context"
	"errors"
	"fmt"

	"github.com/na-ofi/naofi-go/addr"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/mempool"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/progress"
)

// Tag-protocol constants re-exported from opid so callers never need to
// import opid themselves to post a tagged message (spec §4.11).
const (
	TagExpectedFlag     = opid.TagExpectedFlag
	TagUnexpectedIgnore = opid.TagUnexpectedIgnore
	TagUnexpectedPost   = opid.TagUnexpectedPost
	MaxTag              = opid.MaxTag
)

// MsgGetMaxUnexpectedSize and MsgGetMaxExpectedSize implement the two
// size-query operations, sourced from the domain's provider-info (spec
// §4.11).
func (p *Plugin) MsgGetMaxUnexpectedSize() int { return p.Domain.Info.MaxUnexpected }
func (p *Plugin) MsgGetMaxExpectedSize() int   { return p.Domain.Info.MaxExpected }

// MsgGetMaxTag implements msg_get_max_tag.
func (p *Plugin) MsgGetMaxTag() uint64 { return MaxTag }

// MsgGetUnexpectedHeaderSize implements msg_get_unexpected_header_size:
// IPv4-socket-format providers reserve room for a self-address header at
// the front of every unexpected message so a receiver can recover the
// sender when neither the AV nor FI_EADDRNOTAVAIL recovery did (spec
// §4.11's source-resolution fallback chain, third leg); every other
// address format needs no header since its recv path always resolves a
// source through the AV.
func (p *Plugin) MsgGetUnexpectedHeaderSize() int {
	if p.Provider.AddrFormat != fabric.AddrFormatSock {
		return 0
	}
	return len(p.Endpoint.SelfNative)
}

// MsgBufAlloc and MsgBufFree implement msg_buf_alloc/msg_buf_free,
// delegating to the plugin's lazily-created memory pool list (spec §4.7).
func (p *Plugin) MsgBufAlloc(ctx context.Context, size int) (*mempool.Block, error) {
	blk, err := p.Pool.Alloc(ctx, size, p.Domain.Info.MaxUnexpected)
	if err != nil {
		return nil, wrap("msg_buf_alloc", StatusNoMem, err)
	}
	return blk, nil
}

func (p *Plugin) MsgBufFree(b *mempool.Block) { p.Pool.Free(b) }

// MsgInitUnexpected implements msg_init_unexpected: it writes this
// endpoint's self-address into buf's reserved header region and returns
// the header length, leaving the caller to place its payload after it
// (spec §4.11).
func (p *Plugin) MsgInitUnexpected(buf []byte) int {
	hdr := p.MsgGetUnexpectedHeaderSize()
	if hdr == 0 || len(buf) < hdr {
		return 0
	}
	copy(buf[:hdr], p.Endpoint.SelfNative)
	return hdr
}

// submit issues a send/recv/RMA op with the EAGAIN-retry loop (spec §4.12
// step 4: "a resource-temporarily-unavailable return drives one
// non-blocking progress tick, then retries"), and only registers the op
// for completion dispatch once the fabric actually accepted it.
func (p *Plugin) submit(ctx context.Context, c *Context, typ opid.Type, op *opid.Op, cb opid.Callback, arg any, target opid.Releasable, unexpected bool, issue func(token uint64) error) (uint64, error) {
	token := p.nextCookie()
	if err := p.retryAgain(ctx, c.driver, func() error { return issue(token) }); err != nil {
		if errors.Is(err, fabric.ErrUnsupported) {
			return 0, wrap("submit", StatusOpNotSupported, err)
		}
		return 0, wrap("submit", StatusProtocolError, err)
	}
	if err := op.Post(typ, token, cb, arg, target); err != nil {
		return 0, wrap("submit", StatusInvalidArg, err)
	}
	if unexpected {
		c.Unexpect.Add(op)
	}
	p.Engine.Ops.Add(op)
	return token, nil
}

// retryAgain loops issue until it succeeds or fails with anything other
// than fabric.ErrAgain, driving exactly one non-blocking completion tick
// between attempts so a full send queue has a chance to drain (spec
// §4.12 step 4).
func (p *Plugin) retryAgain(ctx context.Context, d *progress.Driver, issue func() error) error {
	for {
		err := issue()
		if err == nil {
			return nil
		}
		if !errors.Is(err, fabric.ErrAgain) {
			return err
		}
		if _, perr := d.Progress(ctx, 0); perr != nil {
			return perr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// MsgSendUnexpected implements msg_send_unexpected: an unexpected send
// carries the reserved TagUnexpectedPost tag and addrefs dest for the
// duration of the operation (spec §4.11, §4.12 step 2).
func (p *Plugin) MsgSendUnexpected(ctx context.Context, c *Context, op *opid.Op, buf []byte, dest *addr.Address, cb opid.Callback, arg any) (uint64, error) {
	if len(buf) > p.Domain.Info.MaxUnexpected {
		return 0, wrap("msg_send_unexpected", StatusMsgSize, fmt.Errorf("payload %d exceeds max unexpected size %d", len(buf), p.Domain.Info.MaxUnexpected))
	}
	return p.submit(ctx, c, opid.TypeSendUnexpected, op, cb, arg, dest, false, func(token uint64) error {
		return c.TX.TSend(ctx, buf, dest.Handle(), TagUnexpectedPost, token)
	})
}

// MsgRecvUnexpected implements msg_recv_unexpected: the op is queued on
// both the shared op table and the context's unexpected queue (spec
// invariant 4) until a message with the unexpected tag arrives. cb
// receives the resolved source address, falling back to the
// header-embedded address when neither the AV nor error-recovery resolved
// one (spec §4.11's third fallback leg).
func (p *Plugin) MsgRecvUnexpected(ctx context.Context, c *Context, op *opid.Op, buf []byte, cb func(src *addr.Address, length int, err error)) (uint64, error) {
	wrapped := func(_ any, r opid.Result) {
		if r.Canceled() {
			cb(nil, 0, wrap("msg_recv_unexpected", StatusCanceled, fmt.Errorf("operation canceled")))
			return
		}
		cb(p.resolveUnexpectedSource(ctx, r, buf), r.Length, nil)
	}
	return p.submit(ctx, c, opid.TypeRecvUnexpected, op, wrapped, nil, nil, true, func(token uint64) error {
		return c.RX.TRecv(ctx, buf, fabric.Invalid, TagUnexpectedPost, TagUnexpectedIgnore, token)
	})
}

// resolveUnexpectedSource implements spec §4.11's source-resolution
// fallback chain for a completed unexpected recv: prefer the AV-resolved
// handle the completion carried, otherwise fall back to the sender's
// self-address header embedded at the front of the payload.
func (p *Plugin) resolveUnexpectedSource(ctx context.Context, r opid.Result, buf []byte) *addr.Address {
	if r.Source != fabric.Invalid {
		return addr.FromUnexpected(p.Domain, nil, p.Provider.AddrFormat, r.Source, 0)
	}
	hdr := p.MsgGetUnexpectedHeaderSize()
	if hdr == 0 || len(buf) < hdr {
		return nil
	}
	native := append([]byte(nil), buf[:hdr]...)
	uri, err := p.Codecs.Format(p.Provider.Name, native)
	if err != nil {
		p.log.Warn("naofi: could not format header-embedded source address", "err", err)
		return nil
	}
	a, err := addr.Lookup(ctx, p.Domain, p.Codecs, uri)
	if err != nil {
		p.log.Warn("naofi: could not resolve header-embedded source address", "err", err)
		return nil
	}
	return a
}

// MsgSendExpected implements msg_send_expected: tag carries the
// expected-flag bit set by the caller's msg_get_max_tag-bounded value
// (spec §4.11).
func (p *Plugin) MsgSendExpected(ctx context.Context, c *Context, op *opid.Op, buf []byte, dest *addr.Address, tag uint64, cb opid.Callback, arg any) (uint64, error) {
	if tag > MaxTag {
		return 0, wrap("msg_send_expected", StatusInvalidArg, fmt.Errorf("tag %d exceeds max tag %d", tag, MaxTag))
	}
	if len(buf) > p.Domain.Info.MaxExpected {
		return 0, wrap("msg_send_expected", StatusMsgSize, fmt.Errorf("payload %d exceeds max expected size %d", len(buf), p.Domain.Info.MaxExpected))
	}
	full := tag | TagExpectedFlag
	return p.submit(ctx, c, opid.TypeSendExpected, op, cb, arg, dest, false, func(token uint64) error {
		return c.TX.TSend(ctx, buf, dest.Handle(), full, token)
	})
}

// MsgRecvExpected implements msg_recv_expected. src, if non-nil, narrows
// the match to that specific peer and is addref'd for the op's lifetime;
// a nil src matches any sender carrying the given tag.
func (p *Plugin) MsgRecvExpected(ctx context.Context, c *Context, op *opid.Op, buf []byte, src *addr.Address, tag uint64, cb opid.Callback, arg any) (uint64, error) {
	if tag > MaxTag {
		return 0, wrap("msg_recv_expected", StatusInvalidArg, fmt.Errorf("tag %d exceeds max tag %d", tag, MaxTag))
	}
	full := tag | TagExpectedFlag
	op.SetTag(full)
	srcHandle := fabric.Invalid
	var target opid.Releasable
	if src != nil {
		srcHandle = src.Handle()
		target = src
	}
	return p.submit(ctx, c, opid.TypeRecvExpected, op, cb, arg, target, false, func(token uint64) error {
		return c.RX.TRecv(ctx, buf, srcHandle, full, 0, token)
	})
}
