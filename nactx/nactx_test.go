package nactx

import (
	"context"
	"testing"

	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/endpoint"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

func openTestEndpoint(t *testing.T, rxCtxCount int) *endpoint.Endpoint {
	t.Helper()
	world := simulated.NewWorld()
	fab := simulated.New(world, "a")
	sockets, _ := provider.Lookup("sockets")
	reg := domain.NewRegistry()
	dom, err := reg.Open(context.Background(), fab, sockets, "", &fabric.Hints{})
	if err != nil {
		t.Fatalf("domain open: %v", err)
	}
	ep, err := endpoint.Open(context.Background(), dom, endpoint.Options{RxCtxCount: rxCtxCount})
	if err != nil {
		t.Fatalf("endpoint open: %v", err)
	}
	return ep
}

func TestBasicEndpointContextAliasesEndpoint(t *testing.T) {
	t.Parallel()
	ep := openTestEndpoint(t, 0)
	mgr := NewManager(ep)

	c, err := mgr.Create(context.Background(), 0, provider.WaitFD)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.CQ != ep.CQ {
		t.Fatalf("expected non-scalable context to alias the endpoint's CQ")
	}
	if c.Unexpect != ep.Unexpect {
		t.Fatalf("expected non-scalable context to alias the endpoint's unexpected queue")
	}
}

func TestScalableEndpointContextOwnsCQ(t *testing.T) {
	t.Parallel()
	ep := openTestEndpoint(t, 4)
	mgr := NewManager(ep)

	c, err := mgr.Create(context.Background(), 0, provider.WaitFD)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.CQ == nil {
		t.Fatalf("expected a scalable context to own its own CQ")
	}
	if c.Unexpect == nil || c.Unexpect == ep.Unexpect {
		t.Fatalf("expected a distinct unexpected queue")
	}
}

func TestDestroyFailsIfUnexpectedQueueNonEmpty(t *testing.T) {
	t.Parallel()
	ep := openTestEndpoint(t, 0)
	mgr := NewManager(ep)
	c, err := mgr.Create(context.Background(), 0, provider.WaitNone)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pending := opid.New()
	pending.Post(opid.TypeRecvUnexpected, 1, nil, nil, nil)
	ep.Unexpect.Add(pending) // simulate a still-posted op

	if err := mgr.Destroy(c); err == nil {
		t.Fatalf("expected destroy to fail while the unexpected queue is non-empty")
	}
}
