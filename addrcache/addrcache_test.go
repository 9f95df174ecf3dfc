package addrcache

import (
	"context"
	"sync"
	"testing"

	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
)

func testAV(t *testing.T) (fabric.AddressVector, *simulated.World) {
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
	av, err := dom.OpenAV(context.Background())
	if err != nil {
		t.Fatalf("OpenAV: %v", err)
	}
	return av, world
}

func TestZeroKeyRejected(t *testing.T) {
	t.Parallel()
	av, _ := testAV(t)
	c := NewCache()
	if _, err := c.LookupOrInsert(context.Background(), av, []byte("x"), fabric.AddrFormatSock, 0); err == nil {
		t.Fatalf("expected key 0 to be rejected")
	}
}

func TestLookupOrInsertCachesAfterFirstInsert(t *testing.T) {
	t.Parallel()
	av, _ := testAV(t)
	c := NewCache()

	h1, err := c.LookupOrInsert(context.Background(), av, []byte("peer"), fabric.AddrFormatSock, 7)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	h2, err := c.LookupOrInsert(context.Background(), av, []byte("peer"), fabric.AddrFormatSock, 7)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical handles, got %v and %v", h1, h2)
	}
	if av.InsertCount() != 1 {
		t.Fatalf("InsertCount() = %d, want 1", av.InsertCount())
	}
}

func TestConcurrentLookupInsertsExactlyOnce(t *testing.T) {
	t.Parallel()
	av, _ := testAV(t)
	c := NewCache()

	const n = 50
	results := make([]fabric.Addr, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.LookupOrInsert(context.Background(), av, []byte("shared-peer"), fabric.AddrFormatSock, 99)
			if err != nil {
				t.Errorf("LookupOrInsert: %v", err)
				return
			}
			results[i] = h
		}()
	}
	wg.Wait()

	if av.InsertCount() != 1 {
		t.Fatalf("expected exactly one AV insert across %d concurrent callers, got %d", n, av.InsertCount())
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got handle %v, want %v", i, results[i], results[0])
		}
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	t.Parallel()
	av, _ := testAV(t)
	c := NewCache()

	if _, err := c.LookupOrInsert(context.Background(), av, []byte("peer"), fabric.AddrFormatSock, 5); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := c.Remove(context.Background(), av, 5); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := c.Lookup(5); ok {
		t.Fatalf("expected entry to be gone after remove")
	}
	if _, err := c.LookupOrInsert(context.Background(), av, []byte("peer"), fabric.AddrFormatSock, 5); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if av.InsertCount() != 2 {
		t.Fatalf("expected a second AV insert after remove+reinsert, got %d", av.InsertCount())
	}
}
