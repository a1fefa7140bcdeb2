// Package identity implements Reticulum Identities: the long-lived
// Ed25519+X25519 keypair bundle a Destination is built from, plus the
// process-local cache of public keys learned from announces.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/cvsouth/reticulum-go/crypto"
)

// HashLen is the length of an identity's truncated public hash.
const HashLen = crypto.TruncatedHashLen

// Hash identifies an Identity by the truncated hash of its concatenated
// public keys: truncated_hash(x25519_public || ed25519_public).
type Hash [HashLen]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Identity is a Reticulum identity. A full (private) Identity can both sign
// and decrypt; a public-only Identity (populated from an announce) can only
// verify and encrypt.
type Identity struct {
	x25519Public  [32]byte
	x25519Private *[32]byte // nil unless this identity owns the secret

	ed25519Public  ed25519.PublicKey
	ed25519Private ed25519.PrivateKey // nil unless this identity owns the secret

	hash Hash
}

// New generates a fresh private Identity from the system CSPRNG.
func New() (*Identity, error) {
	xkp, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate x25519 keypair: %w", err)
	}
	ekp, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}

	id := &Identity{
		x25519Public:   xkp.Public,
		x25519Private:  &xkp.Private,
		ed25519Public:  ekp.Public,
		ed25519Private: ekp.Private,
	}
	id.hash = computeHash(id.x25519Public, id.ed25519Public)
	return id, nil
}

// FromPublicKeys builds a public-only Identity (as remembered from an
// announce) from a peer's raw X25519 and Ed25519 public keys.
func FromPublicKeys(x25519Public [32]byte, ed25519Public ed25519.PublicKey) (*Identity, error) {
	if len(ed25519Public) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(ed25519Public))
	}
	id := &Identity{
		x25519Public:  x25519Public,
		ed25519Public: append(ed25519.PublicKey(nil), ed25519Public...),
	}
	id.hash = computeHash(id.x25519Public, id.ed25519Public)
	return id, nil
}

// FromPrivateKeys reconstructs a full private Identity from persisted
// secret scalars. The host treats these as opaque bytes (§6); this is the
// only place they are interpreted.
func FromPrivateKeys(x25519Private [32]byte, ed25519Private ed25519.PrivateKey) (*Identity, error) {
	if len(ed25519Private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(ed25519Private))
	}
	xPub, err := crypto.X25519PublicFromPrivate(x25519Private)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		x25519Public:   xPub,
		x25519Private:  &x25519Private,
		ed25519Public:  append(ed25519.PublicKey(nil), ed25519Private.Public().(ed25519.PublicKey)...),
		ed25519Private: ed25519Private,
	}
	id.hash = computeHash(id.x25519Public, id.ed25519Public)
	return id, nil
}

func computeHash(x25519Public [32]byte, ed25519Public ed25519.PublicKey) Hash {
	buf := make([]byte, 0, 32+len(ed25519Public))
	buf = append(buf, x25519Public[:]...)
	buf = append(buf, ed25519Public...)
	return Hash(crypto.TruncatedHash(buf))
}

// Hash returns this identity's public hash.
func (id *Identity) Hash() Hash { return id.hash }

// X25519Public returns the X25519 public key.
func (id *Identity) X25519Public() [32]byte { return id.x25519Public }

// Ed25519Public returns the Ed25519 public key.
func (id *Identity) Ed25519Public() ed25519.PublicKey { return id.ed25519Public }

// CanSign reports whether this identity holds the Ed25519 secret.
func (id *Identity) CanSign() bool { return id.ed25519Private != nil }

// CanDecrypt reports whether this identity holds the X25519 secret.
func (id *Identity) CanDecrypt() bool { return id.x25519Private != nil }

// Sign signs data with the Ed25519 private key. Returns an error if this
// identity does not hold the secret.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if !id.CanSign() {
		return nil, fmt.Errorf("identity %s cannot sign: no private key", id.hash)
	}
	return crypto.Sign(id.ed25519Private, data), nil
}

// Verify checks an Ed25519 signature against this identity's public key.
func (id *Identity) Verify(data, sig []byte) bool {
	return crypto.Verify(id.ed25519Public, data, sig)
}

// Encrypt performs X25519 ECDH with a fresh ephemeral keypair against this
// identity's public key, then AES-256-CBC-encrypts plaintext under an
// HKDF-derived key. Wire format: ephemeral_public(32) || iv(16) || ciphertext || hmac(32).
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	ephemeral, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	shared, err := crypto.X25519Derive(ephemeral.Private, id.x25519Public)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return sealWithSharedSecret(ephemeral.Public, shared, plaintext)
}

// Decrypt reverses Encrypt. Returns an error if this identity does not hold
// the X25519 secret, or if the HMAC fails to validate.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
	if !id.CanDecrypt() {
		return nil, fmt.Errorf("identity %s cannot decrypt: no private key", id.hash)
	}
	if len(ciphertext) < 32+16+32 {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	var ephemeralPublic [32]byte
	copy(ephemeralPublic[:], ciphertext[:32])
	shared, err := crypto.X25519Derive(*id.x25519Private, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return openWithSharedSecret(shared, ciphertext[32:])
}

const encryptionInfo = "reticulum.identity.encrypt"

func sealWithSharedSecret(ephemeralPublic [32]byte, shared []byte, plaintext []byte) ([]byte, error) {
	keys, err := crypto.HKDF(shared, nil, []byte(encryptionInfo), 64)
	if err != nil {
		return nil, fmt.Errorf("derive aes/hmac keys: %w", err)
	}
	aesKey, hmacKey := keys[:32], keys[32:64]

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	ct, err := crypto.AESCBCEncrypt(aesKey, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("aes encrypt: %w", err)
	}

	framed := make([]byte, 0, 32+16+len(ct)+32)
	framed = append(framed, ephemeralPublic[:]...)
	framed = append(framed, iv...)
	framed = append(framed, ct...)
	mac := crypto.HMACSHA256(hmacKey, framed[32:])
	framed = append(framed, mac...)
	return framed, nil
}

func openWithSharedSecret(shared []byte, rest []byte) ([]byte, error) {
	if len(rest) < 16+32 {
		return nil, fmt.Errorf("encrypted frame too short")
	}
	body := rest[:len(rest)-32]
	mac := rest[len(rest)-32:]

	keys, err := crypto.HKDF(shared, nil, []byte(encryptionInfo), 64)
	if err != nil {
		return nil, fmt.Errorf("derive aes/hmac keys: %w", err)
	}
	aesKey, hmacKey := keys[:32], keys[32:64]

	expectedMAC := crypto.HMACSHA256(hmacKey, body)
	if !hmac.Equal(mac, expectedMAC) {
		return nil, fmt.Errorf("hmac validation failed")
	}

	iv := body[:16]
	ct := body[16:]
	return crypto.AESCBCDecrypt(aesKey, iv, ct)
}

// KnownIdentities is a process-wide cache mapping public identity hashes to
// the public keys learned from announces. It is safe for concurrent use.
type KnownIdentities struct {
	mu   sync.RWMutex
	byID map[Hash]*Identity
}

// NewKnownIdentities returns an empty cache.
func NewKnownIdentities() *KnownIdentities {
	return &KnownIdentities{byID: make(map[Hash]*Identity)}
}

// Remember records a public identity, overwriting any prior entry for the
// same hash (e.g. on key rotation observed via a later announce).
func (k *KnownIdentities) Remember(id *Identity) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.byID[id.Hash()] = id
}

// Lookup returns the remembered identity for hash, if any.
func (k *KnownIdentities) Lookup(hash Hash) (*Identity, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.byID[hash]
	return id, ok
}

// Len returns the number of remembered identities.
func (k *KnownIdentities) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byID)
}
