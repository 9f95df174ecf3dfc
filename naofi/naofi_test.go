package naofi

import (
	"context"
	"testing"
	"time"

	"github.com/na-ofi/naofi-go/addr"
	"github.com/na-ofi/naofi-go/addr/codec"
	"github.com/na-ofi/naofi-go/addrcache"
	"github.com/na-ofi/naofi-go/completion"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/endpoint"
	"github.com/na-ofi/naofi-go/fabric"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/memhandle"
	"github.com/na-ofi/naofi-go/mempool"
	"github.com/na-ofi/naofi-go/nactx"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

// host is a fully-wired Plugin built directly against the fabric
// interfaces (mirroring the completion/progress packages' own test
// helpers), since the simulated backend only gives two instances distinct
// identities when each is opened with an explicit, pre-chosen SrcAddr —
// something domain.Registry.Open/endpoint.Open have no hook to inject.
type host struct {
	plugin *Plugin
	uri    string
}

func newHost(t *testing.T, world *simulated.World, name, uri string, prov provider.Entry) *host {
	t.Helper()
	specific, err := specificOf(uri)
	if err != nil {
		t.Fatalf("split uri: %v", err)
	}
	native, err := codec.Sock.ParseURI(specific)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}

	fab := simulated.New(world, name)
	infos, err := fab.GetInfo(context.Background(), &fabric.Hints{})
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	info := infos[0].Clone()
	info.SrcAddr = native

	nd, err := fab.OpenDomain(context.Background(), info)
	if err != nil {
		t.Fatalf("OpenDomain: %v", err)
	}
	fep, err := nd.OpenEndpoint(context.Background(), info)
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	cq, err := nd.OpenCQ(context.Background(), 32)
	if err != nil {
		t.Fatalf("OpenCQ: %v", err)
	}
	if err := fep.BindCQ(cq); err != nil {
		t.Fatalf("BindCQ: %v", err)
	}
	av, err := nd.OpenAV(context.Background())
	if err != nil {
		t.Fatalf("OpenAV: %v", err)
	}
	if err := fep.BindAV(av); err != nil {
		t.Fatalf("BindAV: %v", err)
	}
	if err := fep.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	dom := &domain.Domain{
		Provider: prov,
		Info:     info,
		Fab:      fab,
		Native:   nd,
		AV:       av,
		Cache:    addrcache.NewCache(),
	}
	ep := &endpoint.Endpoint{
		Domain:     dom,
		Provider:   prov,
		Basic:      fep,
		CQ:         cq,
		Unexpect:   opid.NewQueue(),
		SelfNative: native,
		SelfURI:    uri,
	}
	p := &Plugin{
		Provider: prov,
		Codecs:   codec.NewRegistry(),
		Domain:   dom,
		Endpoint: ep,
		Contexts: nactx.NewManager(ep),
		Pool:     mempool.New(dom.Native),
		Engine:   completion.New(dom, opid.NewTable(), completion.NewCollector(), nil),
	}
	return &host{plugin: p, uri: uri}
}

func specificOf(uri string) (string, error) {
	_, specific, err := codec.SplitURI(uri)
	return specific, err
}

func TestLoopbackUnexpectedTagEcho(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	sockets, _ := provider.Lookup("sockets")
	client := newHost(t, world, "client", "sockets://10.0.0.1:10", sockets)
	server := newHost(t, world, "server", "sockets://10.0.0.2:20", sockets)

	cc, err := client.plugin.ContextCreate(context.Background(), 0, provider.WaitNone)
	if err != nil {
		t.Fatalf("client context_create: %v", err)
	}
	sc, err := server.plugin.ContextCreate(context.Background(), 0, provider.WaitNone)
	if err != nil {
		t.Fatalf("server context_create: %v", err)
	}

	svrAddr, err := client.plugin.AddrLookup(context.Background(), server.uri)
	if err != nil {
		t.Fatalf("addr_lookup: %v", err)
	}

	hdr := client.plugin.MsgGetUnexpectedHeaderSize()
	payload := []byte("ping")
	sendBuf := make([]byte, hdr+len(payload))
	if n := client.plugin.MsgInitUnexpected(sendBuf); n != hdr {
		t.Fatalf("msg_init_unexpected returned %d, want %d", n, hdr)
	}
	copy(sendBuf[hdr:], payload)

	sendOp := client.plugin.OpCreate()
	if _, err := client.plugin.MsgSendUnexpected(context.Background(), cc, sendOp, sendBuf, svrAddr, nil, nil); err != nil {
		t.Fatalf("msg_send_unexpected: %v", err)
	}

	recvBuf := make([]byte, hdr+len(payload))
	var gotSrc *addr.Address
	var gotLen int
	var gotErr error
	recvOp := server.plugin.OpCreate()
	if _, err := server.plugin.MsgRecvUnexpected(context.Background(), sc, recvOp, recvBuf, func(src *addr.Address, length int, err error) {
		gotSrc = src
		gotLen = length
		gotErr = err
	}); err != nil {
		t.Fatalf("msg_recv_unexpected: %v", err)
	}

	if _, err := server.plugin.Progress(context.Background(), sc, time.Second); err != nil {
		t.Fatalf("server progress: %v", err)
	}
	if _, err := client.plugin.Progress(context.Background(), cc, time.Second); err != nil {
		t.Fatalf("client progress: %v", err)
	}

	if gotErr != nil {
		t.Fatalf("recv callback error: %v", gotErr)
	}
	if gotLen != len(sendBuf) {
		t.Fatalf("recv length = %d, want %d", gotLen, len(sendBuf))
	}
	if string(recvBuf[hdr:gotLen]) != string(payload) {
		t.Fatalf("recv payload = %q, want %q", recvBuf[hdr:gotLen], payload)
	}
	if gotSrc == nil {
		t.Fatalf("expected a resolved source address")
	}
}

func TestResolveUnexpectedSourceFallsBackToHeader(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	sockets, _ := provider.Lookup("sockets")
	client := newHost(t, world, "client", "sockets://10.0.0.3:30", sockets)
	server := newHost(t, world, "server", "sockets://10.0.0.4:40", sockets)

	hdr := server.plugin.MsgGetUnexpectedHeaderSize()
	buf := make([]byte, hdr+4)
	copy(buf[:hdr], client.plugin.Endpoint.SelfNative)

	a := server.plugin.resolveUnexpectedSource(context.Background(), opid.Result{Source: fabric.Invalid}, buf)
	if a == nil {
		t.Fatalf("expected a resolved address from the embedded header")
	}
	if string(a.Native()) != string(client.plugin.Endpoint.SelfNative) {
		t.Fatalf("resolved native = %x, want %x", a.Native(), client.plugin.Endpoint.SelfNative)
	}
}

func TestCancelInFlightRecvCompletesCanceled(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	sockets, _ := provider.Lookup("sockets")
	server := newHost(t, world, "server", "sockets://10.0.0.5:50", sockets)

	sc, err := server.plugin.ContextCreate(context.Background(), 0, provider.WaitNone)
	if err != nil {
		t.Fatalf("context_create: %v", err)
	}

	var result opid.Result
	op := server.plugin.OpCreate()
	buf := make([]byte, 16)
	token, err := server.plugin.MsgRecvExpected(context.Background(), sc, op, buf, nil, 7, func(_ any, r opid.Result) {
		result = r
	}, nil)
	if err != nil {
		t.Fatalf("msg_recv_expected: %v", err)
	}

	if err := server.plugin.Cancel(sc, op, token); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	n, err := server.plugin.Progress(context.Background(), sc, time.Second)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if n != 1 {
		t.Fatalf("progress() = %d, want 1", n)
	}
	if !result.Canceled() {
		t.Fatalf("expected the recv to complete as canceled, got %+v", result)
	}
}

func TestRMAPutVisibleAfterCompletion(t *testing.T) {
	t.Parallel()
	world := simulated.NewWorld()
	sockets, _ := provider.Lookup("sockets")
	client := newHost(t, world, "client", "sockets://10.0.0.6:60", sockets)
	server := newHost(t, world, "server", "sockets://10.0.0.7:70", sockets)

	cc, err := client.plugin.ContextCreate(context.Background(), 0, provider.WaitNone)
	if err != nil {
		t.Fatalf("context_create: %v", err)
	}

	region := make([]byte, 64)
	handle := server.plugin.MemHandleCreate(region, memhandle.AccessReadWrite)
	if err := server.plugin.MemRegister(context.Background(), handle, region); err != nil {
		t.Fatalf("mem_register: %v", err)
	}

	svrAddr, err := client.plugin.AddrLookup(context.Background(), server.uri)
	if err != nil {
		t.Fatalf("addr_lookup: %v", err)
	}

	var putResult opid.Result
	op := client.plugin.OpCreate()
	payload := []byte("rma-payload")
	if _, err := client.plugin.Put(context.Background(), cc, op, payload, svrAddr, 0, handle.Key, true, func(_ any, r opid.Result) {
		putResult = r
	}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	n, err := client.plugin.Progress(context.Background(), cc, time.Second)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if n != 1 {
		t.Fatalf("progress() = %d, want 1", n)
	}
	if putResult.Canceled() {
		t.Fatalf("put unexpectedly canceled")
	}
	if string(region[:len(payload)]) != string(payload) {
		t.Fatalf("remote region = %q, want %q", region[:len(payload)], payload)
	}

	if err := server.plugin.MemDeregister(handle); err != nil {
		t.Fatalf("mem_deregister: %v", err)
	}
}
