package mempool

import (
	"context"
	"testing"

	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
)

func openTestDomain(t *testing.T) fabric.Domain {
	t.Helper()
	world := simulated.NewWorld()
	f := simulated.New(world, "test")
	infos, err := f.GetInfo(context.Background(), &fabric.Hints{})
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	dom, err := f.OpenDomain(context.Background(), infos[0])
	if err != nil {
		t.Fatalf("OpenDomain: %v", err)
	}
	return dom
}

func TestAllocExceedsBlockSizeFails(t *testing.T) {
	t.Parallel()
	pool := New(openTestDomain(t))
	if _, err := pool.Alloc(context.Background(), 100, 64); err == nil {
		t.Fatalf("expected alloc to fail when size exceeds max unexpected size")
	}
}

func TestAllocCreatesPoolLazilyAndReusesBlocks(t *testing.T) {
	t.Parallel()
	pool := New(openTestDomain(t))

	blk, err := pool.Alloc(context.Background(), 32, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(blk.Bytes) != 32 {
		t.Fatalf("len(blk.Bytes) = %d, want 32", len(blk.Bytes))
	}
	pool.Free(blk)

	blk2, err := pool.Alloc(context.Background(), 16, 64)
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if len(pool.pools) != 1 {
		t.Fatalf("expected the freed block's pool to be reused, got %d pools", len(pool.pools))
	}
	pool.Free(blk2)
}

func TestFreeIsIdempotentPerBlock(t *testing.T) {
	t.Parallel()
	pool := New(openTestDomain(t))
	blk, err := pool.Alloc(context.Background(), 8, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	pool.Free(blk)
	pool.Free(blk) // second call must be a no-op, not a double-free
}

func TestAllocExhaustsBlocksThenCreatesSecondPool(t *testing.T) {
	t.Parallel()
	pool := New(openTestDomain(t))
	var blocks []*Block
	for i := 0; i < blockCount; i++ {
		blk, err := pool.Alloc(context.Background(), 8, 16)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		blocks = append(blocks, blk)
	}
	if len(pool.pools) != 1 {
		t.Fatalf("expected exactly one pool after filling it, got %d", len(pool.pools))
	}
	if _, err := pool.Alloc(context.Background(), 8, 16); err != nil {
		t.Fatalf("Alloc beyond first pool's capacity should create a new pool: %v", err)
	}
	if len(pool.pools) != 2 {
		t.Fatalf("expected a second pool once the first was exhausted, got %d", len(pool.pools))
	}
	for _, b := range blocks {
		pool.Free(b)
	}
}
