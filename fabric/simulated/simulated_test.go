package simulated

import (
	"context"
	"testing"
	"time"

	"github.com/na-ofi/naofi-go/fabric"
)

func openHost(t *testing.T, world *World, name string, native []byte) (*Fabric, fabric.Domain, fabric.Endpoint, *simCQ) {
	t.Helper()
	f := New(world, name)
	infos, err := f.GetInfo(context.Background(), &fabric.Hints{})
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	info := infos[0].Clone()
	info.SrcAddr = native
	dom, err := f.OpenDomain(context.Background(), info)
	if err != nil {
		t.Fatalf("OpenDomain: %v", err)
	}
	ep, err := dom.OpenEndpoint(context.Background(), info)
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	cq, err := dom.OpenCQ(context.Background(), 16)
	if err != nil {
		t.Fatalf("OpenCQ: %v", err)
	}
	if err := ep.BindCQ(cq); err != nil {
		t.Fatalf("BindCQ: %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	return f, dom, ep, cq.(*simCQ)
}

func waitForEvent(t *testing.T, cq *simCQ) fabric.CQEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, err := cq.ReadFrom(context.Background(), 1)
		if err == nil && len(evs) == 1 {
			return evs[0]
		}
		if err := cq.Wait(context.Background(), 50*time.Millisecond); err != nil && err != fabric.ErrNoEventAvailable {
			t.Fatalf("Wait: %v", err)
		}
	}
	t.Fatalf("timed out waiting for completion")
	return fabric.CQEvent{}
}

func TestExpectedSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	world := NewWorld()
	_, domA, epA, cqA := openHost(t, world, "a", []byte("host-a"))
	_, domB, epB, cqB := openHost(t, world, "b", []byte("host-b"))
	avA, _ := domA.OpenAV(context.Background())
	avB, _ := domB.OpenAV(context.Background())
	if err := epA.BindAV(avA); err != nil {
		t.Fatalf("BindAV a: %v", err)
	}
	if err := epB.BindAV(avB); err != nil {
		t.Fatalf("BindAV b: %v", err)
	}

	bAddr, err := avA.Insert(context.Background(), []byte("host-b"), fabric.AddrFormatSock)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	recvBuf := make([]byte, 5)
	const tag = uint64(42)
	if err := epB.TRecv(context.Background(), recvBuf, fabric.Invalid, tag, 0, 7); err != nil {
		t.Fatalf("TRecv: %v", err)
	}
	if err := epA.TSend(context.Background(), []byte("hello"), bAddr, tag, 9); err != nil {
		t.Fatalf("TSend: %v", err)
	}

	sendEv := waitForEvent(t, cqA)
	if sendEv.Flags&fabric.FlagSend == 0 || sendEv.Token != 9 {
		t.Fatalf("unexpected send completion: %+v", sendEv)
	}
	recvEv := waitForEvent(t, cqB)
	if recvEv.Flags&fabric.FlagRecv == 0 || recvEv.Token != 7 || recvEv.Tag != tag {
		t.Fatalf("unexpected recv completion: %+v", recvEv)
	}
	if string(recvBuf) != "hello" {
		t.Fatalf("recvBuf = %q, want hello", recvBuf)
	}
}

func TestUnexpectedMessageBuffersUntilPosted(t *testing.T) {
	t.Parallel()

	world := NewWorld()
	_, domA, epA, _ := openHost(t, world, "a", []byte("host-a"))
	_, domB, epB, cqB := openHost(t, world, "b", []byte("host-b"))
	avA, _ := domA.OpenAV(context.Background())
	epA.BindAV(avA)
	domB.OpenAV(context.Background())

	bAddr, _ := avA.Insert(context.Background(), []byte("host-b"), fabric.AddrFormatSock)

	const unexpectedIgnore = uint64(0x0FFFFFFFF)
	if err := epA.TSend(context.Background(), []byte("surprise"), bAddr, 1, 1); err != nil {
		t.Fatalf("TSend: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let it land unmatched in B's pending queue

	buf := make([]byte, 16)
	if err := epB.TRecv(context.Background(), buf, fabric.Invalid, 1, unexpectedIgnore, 2); err != nil {
		t.Fatalf("TRecv: %v", err)
	}
	ev := waitForEvent(t, cqB)
	if ev.Len != len("surprise") {
		t.Fatalf("ev.Len = %d, want %d", ev.Len, len("surprise"))
	}
	if string(buf[:ev.Len]) != "surprise" {
		t.Fatalf("buf = %q", buf[:ev.Len])
	}
}

func TestRMAWriteThenReadVisibility(t *testing.T) {
	t.Parallel()

	world := NewWorld()
	_, domA, epA, cqA := openHost(t, world, "a", []byte("host-a"))
	_, domB, _, _ := openHost(t, world, "b", []byte("host-b"))
	avA, _ := domA.OpenAV(context.Background())
	epA.BindAV(avA)

	remote := make([]byte, 8)
	mr, err := domB.RegisterMR(context.Background(), remote, fabric.AccessRemoteWrite|fabric.AccessRemoteRead, 0)
	if err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}

	payload := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	if err := epA.Write(context.Background(), payload, fabric.Invalid, 2, mr.Key(), 5, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ev := waitForEvent(t, cqA)
	if ev.Flags&fabric.FlagWrite == 0 {
		t.Fatalf("expected write completion, got %+v", ev)
	}
	want := []byte{0, 0, 0xAA, 0xAA, 0xAA, 0xAA, 0, 0}
	for i, b := range want {
		if remote[i] != b {
			t.Fatalf("remote[%d] = %#x, want %#x (remote=%v)", i, remote[i], b, remote)
		}
	}
}

func TestCancelPostedRecv(t *testing.T) {
	t.Parallel()

	world := NewWorld()
	_, _, epB, cqB := openHost(t, world, "b", []byte("host-b"))

	buf := make([]byte, 4)
	if err := epB.TRecv(context.Background(), buf, fabric.Invalid, 99, 0, 11); err != nil {
		t.Fatalf("TRecv: %v", err)
	}
	if err := epB.Cancel(11); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := cqB.ReadError(context.Background())
		if err == nil {
			if entry.Errno != fabric.ErrnoCanceled || entry.Token != 11 {
				t.Fatalf("unexpected error entry: %+v", entry)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for cancellation error completion")
}

func TestAVInsertDedupesRepeatedAddress(t *testing.T) {
	t.Parallel()

	world := NewWorld()
	_, domA, _, _ := openHost(t, world, "a", []byte("host-a"))
	world.registerSelf("host-b")

	av, _ := domA.OpenAV(context.Background())
	first, err := av.Insert(context.Background(), []byte("host-b"), fabric.AddrFormatSock)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second, err := av.Insert(context.Background(), []byte("host-b"), fabric.AddrFormatSock)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first != second {
		t.Fatalf("repeated insert returned different handles: %v vs %v", first, second)
	}
	if got := av.InsertCount(); got != 1 {
		t.Fatalf("InsertCount() = %d, want 1", got)
	}
}
