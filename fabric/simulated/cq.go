package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/na-ofi/naofi-go/fabric"
)

// simCQ is a completion queue that one or more nodes forward their
// completions into, the way several endpoints/contexts can share one
// fi_cq in the real provider (spec §4.10).
type simCQ struct {
	mu     sync.Mutex
	events chan fabric.CQEvent
	errs   chan fabric.CQErrEntry
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSimCQ(depth int) *simCQ {
	if depth <= 0 {
		depth = nodeQueueDepth
	}
	return &simCQ{
		events: make(chan fabric.CQEvent, depth),
		errs:   make(chan fabric.CQErrEntry, depth),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// bind starts forwarding n's completions into this CQ. Several nodes (a
// scalable endpoint's rx contexts) may be bound to the same CQ.
func (c *simCQ) bind(n *node) {
	go c.forward(n)
}

func (c *simCQ) forward(n *node) {
	for {
		select {
		case <-c.closed:
			return
		case ev := <-n.events:
			select {
			case c.events <- ev:
				c.pingWake()
			case <-c.closed:
				return
			}
		case errEntry := <-n.errs:
			select {
			case c.errs <- errEntry:
				c.pingWake()
			case <-c.closed:
				return
			}
		}
	}
}

func (c *simCQ) pingWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *simCQ) ReadFrom(ctx context.Context, max int) ([]fabric.CQEvent, error) {
	if max <= 0 {
		max = 1
	}
	var out []fabric.CQEvent
	for len(out) < max {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			if len(out) == 0 {
				return nil, fabric.ErrNoEventAvailable
			}
			return out, nil
		}
	}
	return out, nil
}

func (c *simCQ) ReadError(ctx context.Context) (*fabric.CQErrEntry, error) {
	select {
	case e := <-c.errs:
		return &e, nil
	default:
		return nil, fabric.ErrNoEventAvailable
	}
}

func (c *simCQ) Signal() error {
	c.pingWake()
	return nil
}

func (c *simCQ) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-c.wake:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.wake:
		return nil
	case <-timer.C:
		return fabric.ErrNoEventAvailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FD has no real-OS equivalent in the simulated world; callers must fall
// back to Wait, mirroring a provider without wait-fd support (spec §4.1).
func (c *simCQ) FD() (int, error) {
	return -1, fabric.ErrUnsupported
}

func (c *simCQ) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
