package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
)

// loopbackIface is a test-only iface.Interface: writes on one side are
// delivered synchronously to its peer's registered packet callback,
// mirroring lxmf/router_test.go's fixture of the same name. An instance
// with no peer discards what is written to it.
type loopbackIface struct {
	name string
	peer *loopbackIface
	cb   iface.PacketHandler
}

func newLoopbackPair(nameA, nameB string) (a, b *loopbackIface) {
	a = &loopbackIface{name: nameA}
	b = &loopbackIface{name: nameB}
	a.peer, b.peer = b, a
	return a, b
}

func (l *loopbackIface) Name() string                            { return l.name }
func (l *loopbackIface) Start(ctx context.Context) error         { return nil }
func (l *loopbackIface) Detach() error                            { return nil }
func (l *loopbackIface) SetPacketCallback(h iface.PacketHandler) { l.cb = h }
func (l *loopbackIface) Online() bool                             { return true }
func (l *loopbackIface) Detached() bool                           { return false }
func (l *loopbackIface) Bitrate() int                             { return 1_000_000 }
func (l *loopbackIface) HWMTU() int                               { return 500 }
func (l *loopbackIface) SupportsLinkMTUDiscovery() bool           { return false }
func (l *loopbackIface) CanReceive() bool                         { return true }
func (l *loopbackIface) CanSend() bool                            { return true }
func (l *loopbackIface) IsLocalClient() bool                      { return false }
func (l *loopbackIface) IsBroadcastCapable() bool                 { return true }

func (l *loopbackIface) ProcessOutgoing(data []byte) error {
	if l.peer != nil && l.peer.cb != nil {
		l.peer.cb(data, l.peer)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestGenericReceiptDeliveredViaInboundProof exercises a generic (non-link)
// packet-level receipt reaching DELIVERED through an inbound PROOF: the
// receiver's destination has ProveAll set, so handleData signs and returns
// a PROOF carrying the proved packet's truncated hash, and the sender's
// receipts table — keyed the same way — must correlate it back to the
// Receipt it registered at send time.
func TestGenericReceiptDeliveredViaInboundProof(t *testing.T) {
	senderIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New (sender): %v", err)
	}
	receiverIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New (receiver): %v", err)
	}

	tSender, err := NewContext(senderIdent, testLogger())
	if err != nil {
		t.Fatalf("NewContext (sender): %v", err)
	}
	tReceiver, err := NewContext(receiverIdent, testLogger())
	if err != nil {
		t.Fatalf("NewContext (receiver): %v", err)
	}

	ifSender, ifReceiver := newLoopbackPair("sender", "receiver")
	tSender.RegisterInterface(ifSender)
	tReceiver.RegisterInterface(ifReceiver)

	dReceiver := destination.New(receiverIdent, destination.In, destination.Single, "test", "proof-all")
	dReceiver.ProveAll = true
	received := make(chan []byte, 1)
	dReceiver.SetPacketCallback(func(data []byte, _ [32]byte) { received <- data })
	tReceiver.RegisterDestination(dReceiver)

	// The sender learns the receiver's public identity the same way it
	// would from a real announce: by populating destIdentities directly,
	// skipping the announce round trip this test doesn't otherwise need.
	tSender.destIdentMu.Lock()
	tSender.destIdentities[dReceiver.Hash()] = receiverIdent
	tSender.destIdentMu.Unlock()

	plaintext := []byte("prove this")
	ciphertext, err := receiverIdent.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeData,
		},
		DestinationHash: dReceiver.Hash(),
		Context:         packet.ContextNone,
		Data:            ciphertext,
	}

	delivered := make(chan *Receipt, 1)
	sent, r := tSender.OutboundWithCallbacks(pkt, 5*time.Second, func(r *Receipt) {
		delivered <- r
	}, nil)
	if !sent || r == nil {
		t.Fatalf("Outbound did not send: sent=%v receipt=%v", sent, r)
	}

	select {
	case got := <-received:
		if string(got) != string(plaintext) {
			t.Fatalf("receiver got %q, want %q", got, plaintext)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver never got the DATA packet")
	}

	waitFor(t, time.Second, "receipt to reach DELIVERED", func() bool {
		return r.Status == ReceiptDelivered
	})
	if !r.Proved {
		t.Fatalf("receipt reached DELIVERED without Proved set")
	}

	select {
	case got := <-delivered:
		if got != r {
			t.Fatalf("delivery callback fired with a different receipt")
		}
	case <-time.After(time.Second):
		t.Fatalf("delivery callback never fired")
	}
}

// TestGenericProofRejectedWithoutMatchingSignature ensures a PROOF whose
// signature doesn't verify against the destination the original packet was
// sent to never marks the receipt DELIVERED.
func TestGenericProofRejectedWithoutMatchingSignature(t *testing.T) {
	senderIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New (sender): %v", err)
	}
	receiverIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New (receiver): %v", err)
	}
	impostorIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New (impostor): %v", err)
	}

	tSender, err := NewContext(senderIdent, testLogger())
	if err != nil {
		t.Fatalf("NewContext (sender): %v", err)
	}

	destHash := destination.New(receiverIdent, destination.In, destination.Single, "test", "proof-all").Hash()

	tSender.destIdentMu.Lock()
	tSender.destIdentities[destHash] = receiverIdent
	tSender.destIdentMu.Unlock()

	ciphertext, err := receiverIdent.Encrypt([]byte("prove this"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeData,
		},
		DestinationHash: destHash,
		Context:         packet.ContextNone,
		Data:            ciphertext,
	}

	ln := &loopbackIface{name: "sender-only"}
	tSender.RegisterInterface(ln)

	sent, r := tSender.OutboundWithCallbacks(pkt, 5*time.Second, nil, nil)
	if !sent || r == nil {
		t.Fatalf("Outbound did not send")
	}

	proved := pkt.TruncatedHash()
	forgedSig, err := impostorIdent.Sign(proved[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	forgedProof := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeProof,
		},
		DestinationHash: proved,
		Context:         packet.ContextLinkProof,
		Data:            forgedSig,
	}
	raw, err := forgedProof.Pack(packet.DefaultMTU)
	if err != nil {
		t.Fatalf("pack forged proof: %v", err)
	}
	tSender.Inbound(raw, ln)

	time.Sleep(100 * time.Millisecond)
	if r.Status == ReceiptDelivered {
		t.Fatalf("receipt marked DELIVERED by a proof with a non-matching signature")
	}
}
