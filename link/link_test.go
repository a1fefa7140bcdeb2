package link

import (
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
)

// directSender delivers a Send() call's packet straight into dst.Receive,
// standing in for the routing Transport would otherwise perform.
type directSender struct {
	dst *Link
}

func (d *directSender) SendPacket(pkt *packet.Packet, via iface.Interface) error {
	return d.dst.Receive(pkt.Data, pkt.Context)
}

func establishedPair(t *testing.T) (initiator, responder *Link) {
	t.Helper()
	initIdent, err := identity.New()
	if err != nil {
		t.Fatalf("initiator identity: %v", err)
	}
	respIdent, err := identity.New()
	if err != nil {
		t.Fatalf("responder identity: %v", err)
	}

	var destHash [16]byte
	copy(destHash[:], []byte("test-destination"))

	initLink, reqPkt, err := BuildLinkRequest(initIdent, destHash, nil, 500, AESCBC)
	if err != nil {
		t.Fatalf("BuildLinkRequest: %v", err)
	}

	respLink, proofPkt, err := HandleLinkRequest(respIdent, reqPkt, nil, 500, AESCBC)
	if err != nil {
		t.Fatalf("HandleLinkRequest: %v", err)
	}

	if err := initLink.CompleteHandshake(proofPkt, respIdent); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}

	if initLink.State() != Active {
		t.Fatalf("initiator link state = %s, want ACTIVE", initLink.State())
	}
	if respLink.State() != Active {
		t.Fatalf("responder link state = %s, want ACTIVE", respLink.State())
	}

	initAES, initHMAC := initLink.keys()
	respAES, respHMAC := respLink.keys()
	if string(initAES) != string(respAES) || string(initHMAC) != string(respHMAC) {
		t.Fatal("initiator and responder derived different link keys")
	}

	return initLink, respLink
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	establishedPair(t)
}

func TestHandshakeRejectsForgedProof(t *testing.T) {
	initIdent, _ := identity.New()
	respIdent, _ := identity.New()
	impostorIdent, _ := identity.New()

	var destHash [16]byte
	initLink, reqPkt, err := BuildLinkRequest(initIdent, destHash, nil, 500, AESCBC)
	if err != nil {
		t.Fatalf("BuildLinkRequest: %v", err)
	}
	_, proofPkt, err := HandleLinkRequest(respIdent, reqPkt, nil, 500, AESCBC)
	if err != nil {
		t.Fatalf("HandleLinkRequest: %v", err)
	}

	if err := initLink.CompleteHandshake(proofPkt, impostorIdent); err == nil {
		t.Fatal("expected signature verification failure against the wrong identity")
	}
	if initLink.State() != Closed {
		t.Fatalf("link state = %s, want CLOSED after failed verification", initLink.State())
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	initLink, respLink := establishedPair(t)

	var gotOnResponder []byte
	respLink.SetPacketCallback(func(data []byte, ctx packet.Context) {
		gotOnResponder = append([]byte(nil), data...)
	})

	initLink.sender = &directSender{dst: respLink}
	plaintext := []byte("hello over the link")
	if err := initLink.Send(plaintext, packet.ContextNone); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(gotOnResponder) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", gotOnResponder, plaintext)
	}
}

func TestStaleTransitionAndRevival(t *testing.T) {
	_, respLink := establishedPair(t)
	respLink.lastInbnd = time.Now().Add(-1 * time.Hour)

	if !respLink.MarkStaleIfIdle(time.Second, time.Now()) {
		t.Fatal("expected link to transition to STALE")
	}
	if respLink.State() != Stale {
		t.Fatalf("state = %s, want STALE", respLink.State())
	}

	respLink.touchInbound()
	if respLink.State() != Active {
		t.Fatalf("state = %s, want ACTIVE after touchInbound", respLink.State())
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	initLink, _ := establishedPair(t)
	var calls int
	initLink.SetClosedCallback(func(l *Link, reason TeardownReason) { calls++ })

	initLink.Teardown(ReasonInitiatorClosed)
	initLink.Teardown(ReasonTimeout)

	if calls != 1 {
		t.Fatalf("closed callback fired %d times, want 1", calls)
	}
	if initLink.TeardownReasonOf() != ReasonInitiatorClosed {
		t.Fatalf("teardown reason = %v, want ReasonInitiatorClosed (first writer wins)", initLink.TeardownReasonOf())
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	initLink, respLink := establishedPair(t)
	initLink.sender = &directSender{dst: respLink}
	respLink.sender = &directSender{dst: initLink}

	respReq := NewRequester(respLink)
	initReq := NewRequester(initLink)

	// The responder answers every request frame by echoing its raw,
	// still-encoded body back through Respond, correlated by the id
	// Requester embeds in the frame.
	respLink.SetPacketCallback(func(data []byte, ctx packet.Context) {
		if ctx != packet.ContextRequest || len(data) < 16 {
			return
		}
		var reqID [16]byte
		copy(reqID[:], data[:16])
		if err := respReq.Respond(reqID, string(data[16:])); err != nil {
			t.Errorf("Respond: %v", err)
		}
	})

	done := make(chan struct{})
	var gotErr error
	var gotBody []byte
	if err := initReq.Request("ping", func(data []byte, err error) {
		gotBody = data
		gotErr = err
		close(done)
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	if gotErr != nil {
		t.Fatalf("response callback error: %v", gotErr)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected a non-empty response body")
	}
}
