package identity

import (
	"bytes"
	"testing"
)

func TestNewIdentityCanSignAndDecrypt(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !id.CanSign() || !id.CanDecrypt() {
		t.Fatal("a freshly generated identity must be able to sign and decrypt")
	}
}

func TestPublicOnlyIdentityCannotSignOrDecrypt(t *testing.T) {
	full, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pub, err := FromPublicKeys(full.X25519Public(), full.Ed25519Public())
	if err != nil {
		t.Fatalf("FromPublicKeys: %v", err)
	}
	if pub.CanSign() || pub.CanDecrypt() {
		t.Fatal("public-only identity must not be able to sign or decrypt")
	}
	if pub.Hash() != full.Hash() {
		t.Fatal("public-only identity must share the hash of the full identity")
	}
}

func TestSignVerify(t *testing.T) {
	id, _ := New()
	msg := []byte("announce payload")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatal("signature must verify against own identity")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	id, _ := New()
	plaintext := []byte("a secret single-packet message")
	ciphertext, err := id.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := id.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	id, _ := New()
	ciphertext, _ := id.Encrypt([]byte("hello"))
	ciphertext[len(ciphertext)-1] ^= 0xFF
	if _, err := id.Decrypt(ciphertext); err == nil {
		t.Fatal("expected HMAC validation failure on tampered ciphertext")
	}
}

func TestKnownIdentitiesRememberAndLookup(t *testing.T) {
	known := NewKnownIdentities()
	id, _ := New()
	pub, _ := FromPublicKeys(id.X25519Public(), id.Ed25519Public())
	known.Remember(pub)

	got, ok := known.Lookup(id.Hash())
	if !ok {
		t.Fatal("expected identity to be remembered")
	}
	if got.Hash() != id.Hash() {
		t.Fatal("looked-up identity hash mismatch")
	}
	if known.Len() != 1 {
		t.Fatalf("expected 1 remembered identity, got %d", known.Len())
	}
}
