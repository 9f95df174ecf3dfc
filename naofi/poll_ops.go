package naofi

import (
	"context"
	"errors"
	"time"

	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/progress"
)

// PollGetFD implements poll_get_fd: the context's CQ file descriptor, for
// a caller that wants to multiplex this context into its own event loop
// instead of calling Progress directly (spec §4.10, §6.1).
func (p *Plugin) PollGetFD(c *Context) (int, error) {
	fd, err := c.CQ.FD()
	if err != nil {
		return -1, wrap("poll_get_fd", StatusOpNotSupported, err)
	}
	return fd, nil
}

// PollTryWait implements poll_try_wait: it runs one non-blocking
// completion tick and reports whether the caller should actually block
// (true) or whether work was already available and got processed
// (false), matching the real fi_trywait contract of "is it safe to
// block".
func (p *Plugin) PollTryWait(ctx context.Context, c *Context) (bool, error) {
	n, err := p.Engine.Progress(ctx, c.Context)
	if err != nil {
		return false, wrap("poll_try_wait", StatusProtocolError, err)
	}
	return n == 0, nil
}

// Progress implements the `progress` operation: it drives c's
// progress.Driver for up to timeout, mapping a timeout into
// StatusTimeout rather than a bare protocol error (spec §4.10, §5, §7).
func (p *Plugin) Progress(ctx context.Context, c *Context, timeout time.Duration) (int, error) {
	n, err := c.driver.Progress(ctx, timeout)
	if err != nil {
		if errors.Is(err, progress.ErrTimeout) {
			return n, wrap("progress", StatusTimeout, err)
		}
		return n, wrap("progress", StatusProtocolError, err)
	}
	return n, nil
}

// Cancel implements the `cancel` operation (spec §4.9, §5). The direction
// (tx vs rx) is inferred from the op's recorded Type rather than required
// as a caller argument, since a basic endpoint's tx and rx are the same
// underlying object and a scalable endpoint's op was always posted
// through exactly one of its two subcontexts.
func (p *Plugin) Cancel(c *Context, op *opid.Op, token uint64) error {
	var sr fabric.SendRecv
	switch op.Type() {
	case opid.TypeRecvExpected, opid.TypeRecvUnexpected:
		sr = c.RX
	default:
		sr = c.TX
	}
	if err := progress.Cancel(sr, c.CQ, p.Provider, op, token); err != nil {
		return wrap("cancel", StatusProtocolError, err)
	}
	return nil
}
