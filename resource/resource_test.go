package resource

import (
	"bytes"
	"testing"
	"time"

	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
)

// directSender mirrors link's own test helper: it delivers a Send() call's
// packet straight into dst.Receive, standing in for the routing Transport
// would otherwise perform.
type directSender struct {
	dst *link.Link
}

func (d *directSender) SendPacket(pkt *packet.Packet, via iface.Interface) error {
	return d.dst.Receive(pkt.Data, pkt.Context)
}

func establishedPair(t *testing.T) (a, b *link.Link) {
	t.Helper()
	aIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	bIdent, err := identity.New()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	var destHash [16]byte
	copy(destHash[:], []byte("resource-test-dst"))

	aLink, reqPkt, err := link.BuildLinkRequest(aIdent, destHash, nil, 500, link.AESCBC)
	if err != nil {
		t.Fatalf("BuildLinkRequest: %v", err)
	}
	bLink, proofPkt, err := link.HandleLinkRequest(bIdent, reqPkt, nil, 500, link.AESCBC)
	if err != nil {
		t.Fatalf("HandleLinkRequest: %v", err)
	}
	if err := aLink.CompleteHandshake(proofPkt, bIdent); err != nil {
		t.Fatalf("CompleteHandshake: %v", err)
	}

	aLink.Attach(&directSender{dst: bLink})
	bLink.Attach(&directSender{dst: aLink})
	return aLink, bLink
}

func TestResourceRoundTripSmallUncompressed(t *testing.T) {
	a, b := establishedPair(t)

	reqA := link.NewRequester(a)
	reqB := link.NewRequester(b)
	mgrA := NewManager(a, reqA)
	mgrB := NewManager(b, reqB)

	content := []byte("short payload under the compression threshold")
	reassembled := make(chan []byte, 1)
	mgrB.SetCompleteCallback(func(id ID, data []byte, err error) {
		if err != nil {
			t.Errorf("receiver error: %v", err)
			return
		}
		reassembled <- data
	})

	proved := make(chan bool, 1)
	if _, err := mgrA.Send(content, func(ok bool) { proved <- ok }); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-reassembled:
		if !bytes.Equal(got, content) {
			t.Fatalf("reassembled = %q, want %q", got, content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembly")
	}

	select {
	case ok := <-proved:
		if !ok {
			t.Fatal("proof did not validate")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proof")
	}
}

func TestResourceRoundTripCompressible(t *testing.T) {
	a, b := establishedPair(t)

	reqA := link.NewRequester(a)
	reqB := link.NewRequester(b)
	mgrA := NewManager(a, reqA)
	mgrB := NewManager(b, reqB)

	content := bytes.Repeat([]byte("reticulum-mesh-payload-"), 400) // 9200 bytes, highly compressible

	var progressCalls int
	mgrB.SetProgressCallback(func(id ID, received, total int) { progressCalls++ })

	reassembled := make(chan []byte, 1)
	mgrB.SetCompleteCallback(func(id ID, data []byte, err error) {
		if err != nil {
			t.Errorf("receiver error: %v", err)
			return
		}
		reassembled <- data
	})

	if _, err := mgrA.Send(content, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-reassembled:
		if !bytes.Equal(got, content) {
			t.Fatal("reassembled content does not match original")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembly")
	}

	if progressCalls == 0 {
		t.Fatal("expected at least one progress callback")
	}
}

func TestResourceZeroLengthPayload(t *testing.T) {
	a, b := establishedPair(t)

	reqA := link.NewRequester(a)
	reqB := link.NewRequester(b)
	mgrA := NewManager(a, reqA)
	mgrB := NewManager(b, reqB)

	reassembled := make(chan []byte, 1)
	mgrB.SetCompleteCallback(func(id ID, data []byte, err error) {
		if err != nil {
			t.Errorf("receiver error: %v", err)
			return
		}
		reassembled <- data
	})

	if _, err := mgrA.Send(nil, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-reassembled:
		if len(got) != 0 {
			t.Fatalf("reassembled = %v, want empty", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembly")
	}
}
