package domain

import (
	"context"
	"testing"

	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/provider"
)

func TestOpenSameProviderSharesDomain(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	fab := simulated.New(world, "test")
	reg := NewRegistry()

	sockets, _ := provider.Lookup("sockets")
	d1, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	d2, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected the second open to return the same domain")
	}
	if d1.RefCount() != 2 {
		t.Fatalf("RefCount() = %d, want 2", d1.RefCount())
	}
}

func TestCloseRemovesFromRegistryAtZeroRefcount(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	fab := simulated.New(world, "test")
	reg := NewRegistry()
	sockets, _ := provider.Lookup("sockets")

	d, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := reg.Close(d); err != nil {
		t.Fatalf("close: %v", err)
	}

	d2, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if d2 == d {
		t.Fatalf("expected a fresh domain after the previous one's refcount hit zero")
	}
}
