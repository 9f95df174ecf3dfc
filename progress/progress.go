// Package progress implements the timed wait and cancellation plumbing
// named in spec §4.10/§5: the blocking/timeout loop that repeatedly drives
// completion.Engine.Progress until a completion arrives, the timeout
// elapses, or the caller's context is canceled.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/na-ofi/naofi-go/completion"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/nactx"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

// maxWaitRetries bounds the "interrupted waits retry up to a bounded
// number of times" clause in spec §5; a real fi_wait only ever returns
// early on EINTR, which Go's context-based wait cannot itself encounter,
// but the bound still protects against a pathological CQ that never
// reports new work within the caller's deadline.
const maxWaitRetries = 1 << 16

// Driver runs the timed-wait loop for one context (spec §5's suspension
// points: "a file-descriptor wait up to timeout ms, a wait-set wait, or
// pure polling"). One Driver is created per nactx.Context.
type Driver struct {
	Engine   *completion.Engine
	Context  *nactx.Context
	Provider provider.Entry
	Wait     provider.WaitMode
}

// New builds a Driver for ctx, using prov's EffectiveWait to settle on
// fd/wait-set/poll given the caller's requested wait mode.
func New(eng *completion.Engine, ctx *nactx.Context, prov provider.Entry, wantWait provider.WaitMode) *Driver {
	return &Driver{
		Engine:   eng,
		Context:  ctx,
		Provider: prov,
		Wait:     prov.EffectiveWait(wantWait),
	}
}

// Progress implements spec §6.1's `progress` operation: it drives
// completion ticks until at least one event is processed, the timeout
// elapses, or the caller's context is done. A zero timeout performs
// exactly one non-blocking tick (the EAGAIN-retry path in spec §4.12
// calls this way).
func (d *Driver) Progress(ctx context.Context, timeout time.Duration) (int, error) {
	n, err := d.Engine.Progress(ctx, d.Context)
	if err != nil {
		return n, err
	}
	if n > 0 || timeout <= 0 {
		return n, nil
	}

	deadline := time.Now().Add(timeout)
	for retries := 0; retries < maxWaitRetries; retries++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("progress: %w", ErrTimeout)
		}
		if err := d.wait(ctx, remaining); err != nil &&
			err != fabric.ErrNoEventAvailable && err != fabric.ErrAgain {
			return 0, fmt.Errorf("progress: wait: %w", err)
		}
		n, err := d.Engine.Progress(ctx, d.Context)
		if err != nil {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
	}
	return 0, fmt.Errorf("progress: %w", ErrTimeout)
}

// wait blocks on whichever primitive this context exposes, following
// EffectiveWait's fd/wait-set/poll selection (spec §4.1, §5).
func (d *Driver) wait(ctx context.Context, timeout time.Duration) error {
	switch d.Wait {
	case provider.WaitSet:
		if d.Context.WaitSet != nil {
			return d.Context.WaitSet.Wait(ctx, timeout)
		}
		fallthrough
	case provider.WaitFD:
		return d.Context.CQ.Wait(ctx, timeout)
	default:
		// Pure polling: a short sleep stands in for a zero-timeout
		// fi_cq_read spin, bounded by the caller's remaining deadline.
		sleep := 5 * time.Millisecond
		if timeout < sleep {
			sleep = timeout
		}
		t := time.NewTimer(sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return fabric.ErrAgain
		}
	}
}

// ErrTimeout is returned by Progress when the timeout elapses with no
// completion harvested; naofi maps it to StatusTimeout.
var ErrTimeout = fmt.Errorf("timed out waiting for a completion")

// Cancel implements spec §6.1's `cancel` operation and §5's cancellation
// model: the op transitions to CANCELED only if it was still ACTIVE, the
// underlying fabric op is asked to cancel by token, and — unless the
// provider is flagged SkipSignal — the CQ is explicitly signaled so a
// thread blocked in wait wakes up to observe it.
func Cancel(sr fabric.SendRecv, cq fabric.CQ, prov provider.Entry, op *opid.Op, token uint64) error {
	if !op.Cancel() {
		// Already completed or already canceled: spec §4.9 reports this
		// as success with no side effect.
		return nil
	}
	if err := sr.Cancel(token); err != nil {
		return fmt.Errorf("progress: cancel: %w", err)
	}
	if !prov.Flags.Has(provider.SkipSignal) && cq != nil {
		if err := cq.Signal(); err != nil {
			return fmt.Errorf("progress: cancel: signal: %w", err)
		}
	}
	return nil
}
