package destination

import (
	"testing"

	"github.com/cvsouth/reticulum-go/identity"
)

func TestHashDeterministicAndDistinct(t *testing.T) {
	id, _ := identity.New()
	d1 := New(id, In, Single, "app", "aspect1", "aspect2")
	d2 := New(id, In, Single, "app", "aspect1", "aspect2")
	if d1.Hash() != d2.Hash() {
		t.Fatal("identical inputs must produce identical hashes")
	}

	d3 := New(id, In, Single, "app", "aspect1", "aspect3")
	if d1.Hash() == d3.Hash() {
		t.Fatal("different aspects must produce different hashes")
	}

	other, _ := identity.New()
	d4 := New(other, In, Single, "app", "aspect1", "aspect2")
	if d1.Hash() == d4.Hash() {
		t.Fatal("SINGLE destinations under different identities must differ")
	}
}

func TestPlainDestinationHashIgnoresIdentity(t *testing.T) {
	id, _ := identity.New()
	withID := New(id, In, Plain, "app", "a")
	withoutID := New(nil, In, Plain, "app", "a")
	if withID.Hash() != withoutID.Hash() {
		t.Fatal("PLAIN destination hash must be identity-independent")
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	id, _ := identity.New()
	d := New(id, In, Single, "lxmf", "delivery")

	appData := []byte{0x08} // e.g. a stamp_cost byte
	payload, err := d.BuildAnnounce(appData, false)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}

	a, err := ParseAnnounce(d.Hash(), payload, false)
	if err != nil {
		t.Fatalf("ParseAnnounce: %v", err)
	}
	if a.Identity.Hash() != id.Hash() {
		t.Fatal("parsed announce identity hash mismatch")
	}
	if string(a.AppData) != string(appData) {
		t.Fatal("app_data mismatch")
	}
}

func TestAnnounceWithRatchet(t *testing.T) {
	id, _ := identity.New()
	d := New(id, In, Single, "lxmf", "delivery")
	d.Ratchet().Update([]byte{1, 2, 3, 4})

	payload, err := d.BuildAnnounce(nil, true)
	if err != nil {
		t.Fatalf("BuildAnnounce: %v", err)
	}
	a, err := ParseAnnounce(d.Hash(), payload, true)
	if err != nil {
		t.Fatalf("ParseAnnounce: %v", err)
	}
	if len(a.Ratchet) != 4 {
		t.Fatalf("expected 4 ratchet bytes, got %d", len(a.Ratchet))
	}
}

func TestAnnounceRejectsWrongDestination(t *testing.T) {
	id, _ := identity.New()
	d := New(id, In, Single, "lxmf", "delivery")
	payload, _ := d.BuildAnnounce(nil, false)

	other := New(id, In, Single, "lxmf", "other")
	if _, err := ParseAnnounce(other.Hash(), payload, false); err == nil {
		t.Fatal("expected signature verification failure against wrong destination hash")
	}
}

func TestEncryptDecryptViaDestination(t *testing.T) {
	id, _ := identity.New()
	inDest := New(id, In, Single, "app", "x")

	peerView, _ := identity.FromPublicKeys(id.X25519Public(), id.Ed25519Public())
	outDest := New(peerView, Out, Single, "app", "x")

	ciphertext, err := outDest.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := inDest.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatal("round trip mismatch")
	}
}
