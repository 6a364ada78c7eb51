package peerconn

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/prxssh/peerwire/pkg/bitfield"
	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/wire"
)

func TestMain(m *testing.M) {
	config.Init()
	os.Exit(m.Run())
}

func TestFrameBreakdownAccounting(t *testing.T) {
	cases := []struct {
		name                       string
		m                          *wire.Message
		overhead, control, payload int
	}{
		{"keepalive", nil, 4, 0, 0},
		{"choke", wire.MessageChoke(), 5, 0, 0},
		{"have", wire.MessageHave(3), 5, 4, 0},
		{"request", wire.MessageRequest(0, 0, 16384), 5, 12, 0},
		{"piece", wire.MessagePiece(0, 0, make([]byte, 16384)), 5, 8, 16384},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o, ctl, p := frameBreakdown(c.m)
			if o != c.overhead || ctl != c.control || p != c.payload {
				t.Fatalf("got (%d,%d,%d), want (%d,%d,%d)", o, ctl, p, c.overhead, c.control, c.payload)
			}
		})
	}
}

func TestDefaultFloodDetector(t *testing.T) {
	fd := DefaultFloodDetector{}

	under := Snapshot{Overhead: 10, Control: 10, Payload: 1000, Transmitted: 1020}
	if fd.IsFlooded(under, 1, 2000) {
		t.Fatalf("should not be flooded: under threshold")
	}

	aboveButHealthy := Snapshot{Overhead: 10, Control: 10, Payload: 1 << 21, Transmitted: (1 << 21) + 3000}
	if fd.IsFlooded(aboveButHealthy, 1, 2000) {
		t.Fatalf("should not be flooded: payload dominates overhead+control")
	}

	flooded := Snapshot{Overhead: 1 << 21, Control: 1 << 21, Payload: 0, Transmitted: 1 << 22}
	if !fd.IsFlooded(flooded, 1, 2000) {
		t.Fatalf("expected flooded: all overhead/control, no payload")
	}
}

func TestCapabilitiesNegotiateIsAND(t *testing.T) {
	local := wire.Handshake{}
	local.SetBit(wire.ReservedExtendedBit)
	local.SetBit(wire.ReservedDHTBit)

	remote := wire.Handshake{}
	remote.SetBit(wire.ReservedExtendedBit)

	caps := negotiate(local, remote)
	if !caps.Extended {
		t.Fatalf("expected extended capability negotiated")
	}
	if caps.DHT {
		t.Fatalf("did not expect DHT capability: remote did not advertise it")
	}
	if caps.Fast {
		t.Fatalf("did not expect fast capability")
	}
}

func pipeConns(t *testing.T, handlersA, handlersB Handlers) (*Conn, *Conn) {
	t.Helper()

	a, b := net.Pipe()
	var infoHash [20]byte
	copy(infoHash[:], "test-info-hash-12345")

	connA := newConn(a, mustAddr(t, "127.0.0.1:1"), infoHash, [20]byte{1}, Capabilities{Extended: true}, Opts{
		PieceCount: 4,
		Handlers:   handlersA,
	})
	connB := newConn(b, mustAddr(t, "127.0.0.1:2"), infoHash, [20]byte{2}, Capabilities{Extended: true}, Opts{
		PieceCount: 4,
		Handlers:   handlersB,
	})

	return connA, connB
}

func mustAddr(t *testing.T, s string) PeerID {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse addr: %v", err)
	}
	return addr
}

func TestConnBitfieldExchangeAndHave(t *testing.T) {
	gotBitfield := make(chan bitfield.Bitfield, 1)
	gotHave := make(chan int, 1)

	handlersA := Handlers{}
	handlersB := Handlers{
		OnBitfield: func(_ PeerID, bf bitfield.Bitfield) { gotBitfield <- bf },
		OnHave:     func(_ PeerID, idx int) { gotHave <- idx },
	}

	connA, connB := pipeConns(t, handlersA, handlersB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go connA.Run(ctx)
	go connB.Run(ctx)

	bf := bitfield.New(4)
	bf.Set(0)
	bf.Set(2)
	connA.SendBitfield(bf)

	select {
	case got := <-gotBitfield:
		if !got.Has(0) || !got.Has(2) || got.Has(1) {
			t.Fatalf("bitfield mismatch: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for bitfield")
	}

	connA.SendHave(1)
	select {
	case idx := <-gotHave:
		if idx != 1 {
			t.Fatalf("got have(%d), want have(1)", idx)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for have")
	}

	// A second bitfield from the same sender must be a local no-op (already
	// sent) and, if it ever reached the wire, would be rejected on the
	// receiving end as BitfieldAlreadySent.
	connA.SendBitfield(bf)
}

func TestConnChokeInterestStateMachine(t *testing.T) {
	unchoked := make(chan struct{}, 1)
	handlersB := Handlers{
		OnUnchoked: func(PeerID) { unchoked <- struct{}{} },
	}
	connA, connB := pipeConns(t, Handlers{}, handlersB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go connA.Run(ctx)
	go connB.Run(ctx)

	if !connA.AmChoking() || !connB.PeerChoking() {
		t.Fatalf("expected initial choking=true on both sides")
	}

	connA.SendUnchoke()

	select {
	case <-unchoked:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for unchoke")
	}

	time.Sleep(20 * time.Millisecond)
	if connB.PeerChoking() {
		t.Fatalf("expected connB.PeerChoking()==false after receiving unchoke")
	}
}

func TestConnBitfieldAlreadySentFailsConnection(t *testing.T) {
	connA, connB := pipeConns(t, Handlers{}, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go connA.Run(ctx)
	go func() { errCh <- connB.Run(ctx) }()

	bf := bitfield.New(4)
	connA.SendBitfield(bf)
	time.Sleep(20 * time.Millisecond)

	// Force a second bitfield onto the wire directly, bypassing the
	// one-shot guard in SendBitfield, to exercise the receiver's rejection.
	connA.enqueueMessage(wire.MessageBitfield(bf.Bytes()))

	select {
	case err := <-errCh:
		pcErr, ok := err.(*Error)
		if !ok {
			t.Fatalf("expected *Error, got %T: %v", err, err)
		}
		if pcErr.Kind != KindBitfieldAlreadySent {
			t.Fatalf("expected KindBitfieldAlreadySent, got %v", pcErr.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connB to fail on duplicate bitfield")
	}
}

// TestConnChokeFrameFlipsPeerChoking guards the wire decoder's keepalive/
// Choke ambiguity (a Choke frame, id=0 with an empty payload, must never be
// mistaken for a length=0 keepalive): after an Unchoke followed by a
// Choke, the receiving side's PeerChoking must flip back to true.
func TestConnChokeFrameFlipsPeerChoking(t *testing.T) {
	connA, connB := pipeConns(t, Handlers{}, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go connA.Run(ctx)
	go connB.Run(ctx)

	connA.SendUnchoke()
	time.Sleep(20 * time.Millisecond)
	if connB.PeerChoking() {
		t.Fatalf("expected connB.PeerChoking()==false after unchoke")
	}

	connA.SendChoke()
	time.Sleep(20 * time.Millisecond)
	if !connB.PeerChoking() {
		t.Fatalf("expected connB.PeerChoking()==true after choke; choke frame was likely swallowed as a keepalive")
	}
}

// TestConnKeepaliveTimeoutDisconnects covers spec.md §8 scenario 6: with no
// traffic at all for keepalive_timeout, the connection must fail with
// PeerDisconnected, penalty 0.
func TestConnKeepaliveTimeoutDisconnects(t *testing.T) {
	config.Update(func(c *config.Config) {
		c.ReadTimeout = 10 * time.Millisecond
		c.KeepAliveInterval = 15 * time.Millisecond
	})
	defer config.Init()

	_, connB := pipeConns(t, Handlers{}, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- connB.Run(ctx) }()

	select {
	case err := <-errCh:
		pcErr, ok := err.(*Error)
		if !ok {
			t.Fatalf("expected *Error, got %T: %v", err, err)
		}
		if pcErr.Kind != KindPeerDisconnected {
			t.Fatalf("expected KindPeerDisconnected, got %v", pcErr.Kind)
		}
		if pcErr.Penalty() != 0 {
			t.Fatalf("expected zero penalty for a keepalive timeout, got %d", pcErr.Penalty())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connB to disconnect on keepalive timeout")
	}
}

// TestConnFloodOfHaveMessagesDisconnects covers spec.md §8 scenario 5: a
// peer that sends nothing but Have messages (no piece payload ever
// dominates the frame overhead) must be disconnected with FloodDetected
// once the configured threshold is crossed.
func TestConnFloodOfHaveMessagesDisconnects(t *testing.T) {
	config.Update(func(c *config.Config) {
		c.FloodFactor = 1
		c.FloodThreshold = 64 // bytes; tiny so the test need not send MiBs
	})
	defer config.Init()

	connA, connB := pipeConns(t, Handlers{}, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go connA.Run(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- connB.Run(ctx) }()

	go func() {
		for i := 0; i < 64; i++ {
			connA.SendHave(i % 4)
		}
	}()

	select {
	case err := <-errCh:
		pcErr, ok := err.(*Error)
		if !ok {
			t.Fatalf("expected *Error, got %T: %v", err, err)
		}
		if pcErr.Kind != KindFloodDetected {
			t.Fatalf("expected KindFloodDetected, got %v", pcErr.Kind)
		}
		if pcErr.Penalty() != 1 {
			t.Fatalf("expected penalty 1 for FloodDetected, got %d", pcErr.Penalty())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for connB to fail on flood of have messages")
	}
}
