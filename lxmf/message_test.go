package lxmf

import (
	"bytes"
	"testing"

	"github.com/cvsouth/reticulum-go/identity"
)

// fixedLookup implements IdentityLookup from a static map, standing in for
// a Router's announce-learned identity table.
type fixedLookup map[[16]byte]*identity.Identity

func (f fixedLookup) Lookup(destHash [16]byte) (*identity.Identity, bool) {
	id, ok := f[destHash]
	return id, ok
}

func newTestMessage(t *testing.T, destHash, srcHash [16]byte) *Message {
	t.Helper()
	return &Message{
		DestHash:  destHash,
		SrcHash:   srcHash,
		Timestamp: 1700000000,
		Title:     []byte("hi"),
		Content:   []byte("there"),
		Fields:    map[int]any{0: "plain"},
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}

	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("destination-hash"))
	srcHash = src.Hash()

	m := newTestMessage(t, destHash, srcHash)
	wire, err := Pack(m, src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	known := fixedLookup{srcHash: src}
	got, err := Unpack(wire, known)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	if got.DestHash != m.DestHash || got.SrcHash != m.SrcHash {
		t.Fatalf("dest/src hash mismatch after round trip")
	}
	if !bytes.Equal(got.Title, m.Title) {
		t.Fatalf("title mismatch: got %q want %q", got.Title, m.Title)
	}
	if !bytes.Equal(got.Content, m.Content) {
		t.Fatalf("content mismatch: got %q want %q", got.Content, m.Content)
	}
	if got.Timestamp != m.Timestamp {
		t.Fatalf("timestamp mismatch: got %v want %v", got.Timestamp, m.Timestamp)
	}
	if got.Fields[0] != "plain" {
		t.Fatalf("fields mismatch: got %v", got.Fields)
	}
}

func TestPackUnpackWithStamp(t *testing.T) {
	src, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("destination-hash"))
	srcHash = src.Hash()

	m := newTestMessage(t, destHash, srcHash)
	m.Stamp = bytes.Repeat([]byte{0x42}, StampLen)

	wire, err := Pack(m, src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	known := fixedLookup{srcHash: src}
	got, err := Unpack(wire, known)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !bytes.Equal(got.Stamp, m.Stamp) {
		t.Fatalf("stamp mismatch: got %x want %x", got.Stamp, m.Stamp)
	}
}

func TestUnpackRejectsUnknownSource(t *testing.T) {
	src, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("destination-hash"))
	srcHash = src.Hash()

	m := newTestMessage(t, destHash, srcHash)
	wire, err := Pack(m, src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if _, err := Unpack(wire, fixedLookup{}); err == nil {
		t.Fatalf("expected error unpacking a message from an unremembered identity")
	}
}

func TestUnpackRejectsTamperedPayload(t *testing.T) {
	src, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("destination-hash"))
	srcHash = src.Hash()

	m := newTestMessage(t, destHash, srcHash)
	wire, err := Pack(m, src)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	wire[len(wire)-1] ^= 0xFF

	known := fixedLookup{srcHash: src}
	if _, err := Unpack(wire, known); err == nil {
		t.Fatalf("expected signature verification failure on tampered payload")
	}
}

func TestPackRejectsUnsignableIdentity(t *testing.T) {
	full, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	pubOnly, err := identity.FromPublicKeys(full.X25519Public(), full.Ed25519Public())
	if err != nil {
		t.Fatalf("FromPublicKeys: %v", err)
	}

	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("destination-hash"))
	m := newTestMessage(t, destHash, srcHash)

	if _, err := Pack(m, pubOnly); err == nil {
		t.Fatalf("expected Pack to reject a public-key-only identity")
	}
}
