package addr

import (
	"context"
	"testing"

	"github.com/na-ofi/naofi-go/addr/codec"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/provider"
)

func testDomain(t *testing.T) *domain.Domain {
	t.Helper()
	world := simulated.NewWorld()
	fab := simulated.New(world, "test")
	reg := domain.NewRegistry()
	sockets, _ := provider.Lookup("sockets")
	dom, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("open domain: %v", err)
	}
	return dom
}

func TestLookupResolvesAndCachesOnce(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a1, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	a2, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if a1.Handle() != a2.Handle() {
		t.Fatalf("expected identical fabric handles, got %v and %v", a1.Handle(), a2.Handle())
	}
	if dom.AV.InsertCount() != 1 {
		t.Fatalf("InsertCount() = %d, want 1", dom.AV.InsertCount())
	}
}

func TestDupIncrementsRefcountSameObject(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	dup := a.Dup()
	if dup != a {
		t.Fatalf("Dup must return the same Address")
	}
	if n := a.Release(); n != 1 {
		t.Fatalf("Release() after Dup = %d, want 1", n)
	}
	if n := a.Release(); n != 0 {
		t.Fatalf("final Release() = %d, want 0", n)
	}
}

func TestReleaseAtZeroRemovesFromCacheWhenMarked(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	key := a.Key()
	if _, ok := dom.Cache.Lookup(key); !ok {
		t.Fatalf("expected cache entry to exist before release")
	}
	if n := a.Release(); n != 0 {
		t.Fatalf("Release() = %d, want 0", n)
	}
	if _, ok := dom.Cache.Lookup(key); ok {
		t.Fatalf("expected cache entry to be removed after final release")
	}
}

func TestReleaseKeepsCacheEntryWhenRemoveOnFreeCleared(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	a.SetRemoveOnFree(false)
	key := a.Key()
	if n := a.Release(); n != 0 {
		t.Fatalf("Release() = %d, want 0", n)
	}
	if _, ok := dom.Cache.Lookup(key); !ok {
		t.Fatalf("expected cache entry to survive release with remove-on-free cleared")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	wire := a.Serialize()
	if len(wire) != a.SerializeSize() {
		t.Fatalf("Serialize() produced %d bytes, want %d", len(wire), a.SerializeSize())
	}

	back, err := Deserialize(context.Background(), dom, fabric.AddrFormatSock, wire)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if back.Handle() != a.Handle() {
		t.Fatalf("deserialized handle = %v, want %v", back.Handle(), a.Handle())
	}
	if string(back.Native()) != string(a.Native()) {
		t.Fatalf("deserialized native bytes differ")
	}
}

func TestToStringRegeneratesURIFromNative(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	codecs := codec.NewRegistry()

	a, err := Lookup(context.Background(), dom, codecs, "sockets://10.0.0.5:7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	uri, err := a.ToString(codecs, "sockets")
	if err != nil {
		t.Fatalf("to_string: %v", err)
	}
	if uri != "sockets://10.0.0.5:7" {
		t.Fatalf("ToString() = %q, want %q", uri, "sockets://10.0.0.5:7")
	}
}

func TestSelfIsMarkedAndNotRemoveOnFree(t *testing.T) {
	t.Parallel()
	dom := testDomain(t)
	a := Self(dom, []byte("self-native"), fabric.AddrFormatSock, "sockets://self:0")
	if !a.IsSelf() {
		t.Fatalf("expected Self address to report IsSelf() == true")
	}
	if a.removeOnFree {
		t.Fatalf("Self address must not default to remove-on-free")
	}
}
