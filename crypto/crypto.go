// Package crypto provides the deterministic byte-exact primitives the rest
// of the stack is built on: SHA-256 hashing, HKDF expansion, X25519 key
// agreement, Ed25519 signing, HMAC-SHA256, and AES-256-CBC framing. Every
// function here must match the reference Python implementation bit for bit;
// none of them may vary by platform (no BigInteger sign-bit ambiguity, no
// non-constant-time comparisons on secret material).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HashLen is the length in bytes of a full SHA-256 digest.
const HashLen = sha256.Size

// TruncatedHashLen is the length of a truncated hash used for identity,
// destination, and link identifiers throughout the wire format.
const TruncatedHashLen = 16

// FullHash returns the SHA-256 digest of data.
func FullHash(data []byte) [HashLen]byte {
	return sha256.Sum256(data)
}

// TruncatedHash returns the first TruncatedHashLen bytes of SHA-256(data).
func TruncatedHash(data []byte) [TruncatedHashLen]byte {
	full := sha256.Sum256(data)
	var out [TruncatedHashLen]byte
	copy(out[:], full[:TruncatedHashLen])
	return out
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HKDF runs RFC 5869 HKDF-SHA256 extract-then-expand, returning length
// bytes of keying material.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := kdf.Read(out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// X25519Keypair is a Curve25519 key-agreement keypair.
type X25519Keypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 creates a fresh X25519 keypair from the system CSPRNG.
func GenerateX25519() (*X25519Keypair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	kp := &X25519Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519PublicFromPrivate derives the public key for a given private scalar.
func X25519PublicFromPrivate(priv [32]byte) ([32]byte, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("derive x25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], pub)
	return out, nil
}

// X25519Derive computes the shared secret for priv and peer's public key.
func X25519Derive(priv, peerPublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 derive: %w", err)
	}
	if isZero(shared) {
		return nil, fmt.Errorf("x25519 derive produced all-zeros shared secret")
	}
	return shared, nil
}

// Ed25519Keypair is an Ed25519 signing keypair.
type Ed25519Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateEd25519 creates a fresh Ed25519 signing keypair.
func GenerateEd25519() (*Ed25519Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Ed25519Keypair{Private: priv, Public: pub}, nil
}

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// AESCBCEncrypt encrypts plaintext under key/iv with PKCS7 padding.
// iv must be 16 bytes (AES block size).
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

// AESCBCDecrypt decrypts ciphertext under key/iv and strips PKCS7 padding.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7 unpad: empty input")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("pkcs7 unpad: malformed padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
