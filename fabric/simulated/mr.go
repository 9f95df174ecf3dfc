package simulated

import "github.com/na-ofi/naofi-go/fabric"

// simMR is a registered memory region backing RMA Put/Get against this
// World (spec §4.8, §6.2's "Allocated | VirtAddr" mode).
type simMR struct {
	world  *World
	key    uint64
	buf    []byte
	access fabric.MRAccess
}

func (m *simMR) Key() uint64 { return m.key }

func (m *simMR) Close() error {
	m.world.unregisterMR(m.key)
	return nil
}
