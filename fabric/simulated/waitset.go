package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/na-ofi/naofi-go/fabric"
)

// simWaitSet consolidates the wake signal of every node an endpoint binds
// it to, standing in for fi_wait consolidating several CQs (spec
// glossary: "Wait set").
type simWaitSet struct {
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newSimWaitSet() *simWaitSet {
	return &simWaitSet{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (w *simWaitSet) attach(n *node) {
	go func() {
		for {
			select {
			case <-w.closed:
				return
			case <-n.wake:
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		}
	}()
}

func (w *simWaitSet) Wait(ctx context.Context, timeout time.Duration) error {
	select {
	case <-w.wake:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.wake:
		return nil
	case <-timer.C:
		return fabric.ErrNoEventAvailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *simWaitSet) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}
