// Package addrcache implements the address cache (spec §4.4): a hash
// table mapping a 64-bit key derived from a native address to the
// address-vector handle produced by inserting that address, with race
// reconciliation on concurrent first-lookups.
package addrcache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/na-ofi/naofi-go/fabric"
)

// Cache is one domain's address cache (spec §3's "Address cache entry").
type Cache struct {
	mu sync.RWMutex
	m  map[uint64]fabric.Addr

	// sf collapses concurrent first-lookups of the same key onto a
	// single AV insert, which is semantically the race-reconciliation
	// the spec describes as "insert, then upgrade to write lock and
	// check again" (spec §4.4 step 2) — singleflight guarantees exactly
	// one insert and identical results for every concurrent caller,
	// satisfying spec §8 invariant 5 directly.
	sf singleflight.Group
}

func NewCache() *Cache {
	return &Cache{m: make(map[uint64]fabric.Addr)}
}

// Lookup is the read-lock-only fast path (spec §4.4 step 1).
func (c *Cache) Lookup(key uint64) (fabric.Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.m[key]
	return h, ok
}

// LookupOrInsert implements the full contract of spec §4.4: return an
// existing mapping if present; otherwise insert native into av under key,
// reconciling against any racing insert for the same key.
//
// On AV-insert failure the spec allows the AV entry to leak (§4.4 step 3,
// §9 open question) rather than attempting to unwind it; this
// implementation preserves that choice deliberately rather than "fixing"
// it, since the address remains usable and only the caller's request
// fails.
func (c *Cache) LookupOrInsert(ctx context.Context, av fabric.AddressVector, native []byte, format fabric.AddrFormat, key uint64) (fabric.Addr, error) {
	if key == 0 {
		return 0, fmt.Errorf("addrcache: key 0 is reserved and signals an encoding failure")
	}
	if h, ok := c.Lookup(key); ok {
		return h, nil
	}

	v, err, _ := c.sf.Do(sfKey(key), func() (interface{}, error) {
		if h, ok := c.Lookup(key); ok {
			return h, nil
		}
		h, err := av.Insert(ctx, native, format)
		if err != nil {
			return fabric.Addr(0), fmt.Errorf("addrcache: av insert: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.m[key]; ok {
			return existing, nil
		}
		c.m[key] = h
		return h, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(fabric.Addr), nil
}

// Remove deletes key's entry and removes it from the address vector
// (spec §4.4 "Remove"): write-lock, delete, then AV remove.
func (c *Cache) Remove(ctx context.Context, av fabric.AddressVector, key uint64) error {
	c.mu.Lock()
	h, ok := c.m[key]
	if ok {
		delete(c.m, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return av.Remove(ctx, h)
}

func sfKey(key uint64) string {
	return fmt.Sprintf("%x", key)
}
