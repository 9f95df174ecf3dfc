// Package mempool implements the registered message-buffer pool (spec
// §4.7): page-aligned fixed-size blocks, lazily created, FIFO free list
// under a pool-list spin lock.
package mempool

import (
	"context"
	"fmt"
	"sync"

	"github.com/na-ofi/naofi-go/fabric"
)

const pageSize = 4096

// blockCount is fixed at 256 blocks per pool (spec §4.7).
const blockCount = 256

// Block is one borrowed buffer (spec §3's "Memory block node": MR handle
// shared with the pool, plus the block bytes themselves).
type Block struct {
	Bytes []byte
	Key   uint64

	pool *pool
}

// pool is one fixed-block-size slab, registered once as a whole.
type pool struct {
	blockSize int
	mr        fabric.MR

	mu   sync.Mutex // per-pool spin lock around the free list (spec §5)
	free [][]byte
}

func newPool(ctx context.Context, dom fabric.Domain, blockSize int) (*pool, error) {
	stride := alignUp(blockSize, pageSize)
	slab := make([]byte, stride*blockCount)
	mr, err := dom.RegisterMR(ctx, slab, fabric.AccessLocalRead|fabric.AccessLocalWrite|fabric.AccessRemoteRead|fabric.AccessRemoteWrite, 0)
	if err != nil {
		return nil, fmt.Errorf("mempool: register slab: %w", err)
	}
	p := &pool{blockSize: blockSize, mr: mr}
	for i := 0; i < blockCount; i++ {
		start := i * stride
		p.free = append(p.free, slab[start:start+blockSize])
	}
	return p, nil
}

func (p *pool) alloc() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, false
	}
	blk := p.free[0]
	p.free = p.free[1:]
	return blk, true
}

// release pushes blk back onto the free list. Double-free is the
// caller's responsibility to avoid (spec §8 invariant 6: "double-free is
// not permitted; single-free must succeed") — Pool.Free only calls this
// once per Block value, and a Block is consumed (its pool cleared) the
// first time it is freed.
func (p *pool) release(blk []byte) {
	p.mu.Lock()
	p.free = append(p.free, blk)
	p.mu.Unlock()
}

// Pool is the plugin-wide memory pool list (spec §4.7: "mem_pool_alloc
// picks the first pool whose free-list is non-empty ... if none, creates
// a pool whose block size equals the maximum unexpected-message size").
type Pool struct {
	dom fabric.Domain

	mu    sync.Mutex // plugin-wide pool-list spin lock
	pools []*pool
}

// New returns an empty pool list bound to dom; pools are created lazily
// on first Alloc (spec §4.7: "lazy pool creation").
func New(dom fabric.Domain) *Pool {
	return &Pool{dom: dom}
}

// MemAlloc implements spec §4.7's mem_alloc: a page-aligned, zero-filled
// buffer registered with full local+remote access when the provider
// advertises local MR support (FI_MR_LOCAL).
func (p *Pool) MemAlloc(ctx context.Context, size int, providerNeedsLocalMR bool) ([]byte, fabric.MR, error) {
	buf := make([]byte, alignUp(size, pageSize))
	if !providerNeedsLocalMR {
		return buf[:size], nil, nil
	}
	mr, err := p.dom.RegisterMR(ctx, buf, fabric.AccessLocalRead|fabric.AccessLocalWrite|fabric.AccessRemoteRead|fabric.AccessRemoteWrite, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("mempool: mem_alloc: %w", err)
	}
	return buf[:size], mr, nil
}

// Alloc implements mem_pool_alloc: the first pool with a free block of
// sufficient size wins; if none has room, a new pool sized to
// maxUnexpected is created (spec §4.7: "pool block sizes never grow" —
// requesting more than maxUnexpected always fails).
func (p *Pool) Alloc(ctx context.Context, size, maxUnexpected int) (*Block, error) {
	if size > maxUnexpected {
		return nil, fmt.Errorf("mempool: alloc: requested size %d exceeds pool block size %d", size, maxUnexpected)
	}

	p.mu.Lock()
	for _, pl := range p.pools {
		if pl.blockSize < size {
			continue
		}
		if blk, ok := pl.alloc(); ok {
			p.mu.Unlock()
			return &Block{Bytes: blk[:size], Key: pl.mr.Key(), pool: pl}, nil
		}
	}
	p.mu.Unlock()

	newPl, err := newPool(ctx, p.dom, maxUnexpected)
	if err != nil {
		return nil, err
	}
	blk, ok := newPl.alloc()
	if !ok {
		return nil, fmt.Errorf("mempool: alloc: freshly created pool has no free blocks")
	}

	p.mu.Lock()
	p.pools = append(p.pools, newPl)
	p.mu.Unlock()

	return &Block{Bytes: blk[:size], Key: newPl.mr.Key(), pool: newPl}, nil
}

// Free returns b to its owning pool (spec §4.7's mem_pool_free). It is
// safe to call at most once per Block; a second call is a no-op since b's
// pool reference is cleared after the first free.
func (p *Pool) Free(b *Block) {
	if b == nil || b.pool == nil {
		return
	}
	pl := b.pool
	b.pool = nil
	full := b.Bytes[:cap(b.Bytes)]
	pl.release(full[:pl.blockSize])
}

// Close destroys every pool (spec §4.7: "pools are destroyed before the
// domain").
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, pl := range p.pools {
		if err := pl.mr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.pools = nil
	return firstErr
}

func alignUp(n, align int) int {
	if n <= 0 {
		return align
	}
	return ((n + align - 1) / align) * align
}
