package endpoint

import (
	"context"
	"testing"

	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/provider"
)

func openTestDomain(t *testing.T, world *simulated.World, name string) *domain.Domain {
	t.Helper()
	fab := simulated.New(world, name)
	sockets, _ := provider.Lookup("sockets")
	reg := domain.NewRegistry()
	d, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("domain open: %v", err)
	}
	return d
}

func TestOpenBasicEndpoint(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	dom := openTestDomain(t, world, "a")

	ep, err := Open(context.Background(), dom, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ep.IsScalable {
		t.Fatalf("expected a basic endpoint")
	}
	if ep.CQ == nil {
		t.Fatalf("expected a bound CQ")
	}
	if ep.Unexpect == nil {
		t.Fatalf("expected an unexpected-op queue")
	}
	if len(ep.SelfNative) == 0 {
		t.Fatalf("expected a resolved self address")
	}
}

func TestOpenScalableEndpointSkipsPerEndpointCQ(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	dom := openTestDomain(t, world, "a")

	ep, err := Open(context.Background(), dom, Options{RxCtxCount: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !ep.IsScalable {
		t.Fatalf("expected a scalable endpoint")
	}
	if ep.CQ != nil {
		t.Fatalf("scalable endpoints must not own a per-endpoint CQ")
	}
	if ep.Unexpect != nil {
		t.Fatalf("scalable endpoints must not own a per-endpoint unexpected queue")
	}
}

func TestNoScalableEndpointFlagRejectsRequest(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	fab := simulated.New(world, "a")
	tcp, _ := provider.Lookup("tcp")
	reg := domain.NewRegistry()
	dom, err := reg.Open(context.Background(), fab, tcp, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("domain open: %v", err)
	}

	if _, err := Open(context.Background(), dom, Options{RxCtxCount: 2}); err == nil {
		t.Fatalf("expected scalable-endpoint request to fail for the tcp+RxM provider")
	}
}
