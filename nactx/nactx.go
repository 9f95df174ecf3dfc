// Package nactx implements the per-logical-consumer Context (spec §4.6):
// for non-scalable endpoints a context aliases the endpoint's single
// CQ/unexpected queue; for scalable endpoints each context owns its own
// CQ and a pair of tx/rx subcontexts.
package nactx

import (
	"context"
	"fmt"
	"sync"

	"github.com/na-ofi/naofi-go/endpoint"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

const cqDepth = 256

// Context is the spec §3 "Context" entity.
type Context struct {
	Index    int
	TX       fabric.SendRecv
	RX       fabric.SendRecv
	CQ       fabric.CQ
	WaitSet  fabric.WaitSet
	Unexpect *opid.Queue

	owns bool // true if this context owns CQ/WaitSet rather than aliasing the endpoint's
}

// Manager bounds how many contexts an endpoint may fan out to (spec
// §4.6: "Context count must not exceed max_contexts, and index must be <
// max_contexts").
type Manager struct {
	ep  *endpoint.Endpoint
	mu  sync.Mutex
	cnt int
}

func NewManager(ep *endpoint.Endpoint) *Manager {
	return &Manager{ep: ep}
}

// Create implements spec §4.6's create path.
func (m *Manager) Create(ctx context.Context, index int, wantWait provider.WaitMode) (*Context, error) {
	if index < 0 || index >= m.ep.Provider.MaxContexts {
		return nil, fmt.Errorf("nactx: index %d out of range [0, %d)", index, m.ep.Provider.MaxContexts)
	}

	m.mu.Lock()
	if m.cnt >= m.ep.Provider.MaxContexts {
		m.mu.Unlock()
		return nil, fmt.Errorf("nactx: context count would exceed max_contexts (%d)", m.ep.Provider.MaxContexts)
	}
	m.cnt++
	m.mu.Unlock()

	if !m.ep.IsScalable {
		return &Context{
			Index:    index,
			TX:       m.ep.Basic,
			RX:       m.ep.Basic,
			CQ:       m.ep.CQ,
			WaitSet:  m.ep.WaitSet,
			Unexpect: m.ep.Unexpect,
			owns:     false,
		}, nil
	}

	cq, err := m.ep.Domain.Native.OpenCQ(ctx, cqDepth)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("nactx: open cq: %w", err)
	}

	var ws fabric.WaitSet
	if m.ep.Provider.EffectiveWait(wantWait) == provider.WaitSet {
		ws, err = m.ep.Domain.Native.OpenWaitSet(ctx)
		if err != nil {
			cq.Close()
			m.release()
			return nil, fmt.Errorf("nactx: open waitset: %w", err)
		}
	}

	tx, err := m.ep.Scalable.TxContext(ctx, index, cq)
	if err != nil {
		closeAll(cq, ws)
		m.release()
		return nil, fmt.Errorf("nactx: tx context: %w", err)
	}
	rx, err := m.ep.Scalable.RxContext(ctx, index, cq)
	if err != nil {
		closeAll(cq, ws)
		m.release()
		return nil, fmt.Errorf("nactx: rx context: %w", err)
	}

	return &Context{
		Index:    index,
		TX:       tx,
		RX:       rx,
		CQ:       cq,
		WaitSet:  ws,
		Unexpect: opid.NewQueue(),
		owns:     true,
	}, nil
}

// Destroy implements spec §4.6's destroy path: the unexpected queue must
// be empty (spec invariant 4); an owned wait-set and CQ close in that
// order, then the manager's counter decrements. The tx/rx subcontexts
// are not closed here (fabric.SendRecv has no Close).
func (m *Manager) Destroy(c *Context) error {
	if c.Unexpect != nil && c.Unexpect.Len() != 0 {
		return fmt.Errorf("nactx: destroy: unexpected-op queue is not empty (%d pending)", c.Unexpect.Len())
	}
	if c.owns {
		if c.WaitSet != nil {
			if err := c.WaitSet.Close(); err != nil {
				return fmt.Errorf("nactx: destroy: close waitset: %w", err)
			}
		}
		if c.CQ != nil {
			if err := c.CQ.Close(); err != nil {
				return fmt.Errorf("nactx: destroy: close cq: %w", err)
			}
		}
	}
	m.release()
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.cnt--
	m.mu.Unlock()
}

func closeAll(cq fabric.CQ, ws fabric.WaitSet) {
	if ws != nil {
		ws.Close()
	}
	if cq != nil {
		cq.Close()
	}
}
