package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/na-ofi/naofi-go/fabric"
)

// simAV is an address vector backed by the World's registry. Repeated
// Insert calls for the same native address return the same handle and do
// not bump InsertCount, matching spec §8 invariant 5 (dedup on insert).
type simAV struct {
	world *World

	mu       sync.Mutex
	inserted int
}

func (a *simAV) Insert(ctx context.Context, native []byte, format fabric.AddrFormat) (fabric.Addr, error) {
	key := string(native)
	addr, created := a.world.insert(key)
	if created {
		a.mu.Lock()
		a.inserted++
		a.mu.Unlock()
	}
	return addr, nil
}

func (a *simAV) Remove(ctx context.Context, addr fabric.Addr) error {
	a.world.remove(addr)
	return nil
}

// StrAddr is a debug/display helper (fi_av_straddr); it is not required to
// round-trip through addr/codec's URI parser.
func (a *simAV) StrAddr(native []byte, format fabric.AddrFormat) (string, error) {
	return fmt.Sprintf("%s://%x", format, native), nil
}

func (a *simAV) InsertCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inserted
}

// Close is a no-op: the simulated AV holds no resources beyond the
// World's own registry entries, which endpoints remove individually.
func (a *simAV) Close() error { return nil }
