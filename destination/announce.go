package destination

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/reticulum-go/identity"
)

// RandomHashLen is the length of the per-announce random/time nonce used to
// give every announce of the same destination a distinct packet hash.
const RandomHashLen = 10

// Announce is a parsed, validated announce payload (§6 wire format:
// identity_public_keys || name_hash || random_hash || ratchet? || signature || app_data).
type Announce struct {
	DestinationHash Hash
	Identity        *identity.Identity
	NameHash        Hash
	RandomHash      [RandomHashLen]byte
	Ratchet         []byte // opaque, forwarded transparently (§9)
	AppData         []byte
	RawSigned       []byte // the bytes the signature covers, for re-verification
}

// Sender is the minimal capability Destination needs from Transport to
// emit an announce: packing into a wire Packet is Transport's job (it owns
// the outbound path and packet construction), so Destination only builds
// the announce payload and hands it off.
type Sender interface {
	SendAnnounce(destHash Hash, payload []byte, hasRatchet bool) error
}

// BuildAnnounce constructs a signed announce payload for this destination.
// appData is opaque application data (e.g. an LXMF stamp_cost advertisement);
// includeRatchet, if true, appends the destination's current ratchet bytes.
func (d *Destination) BuildAnnounce(appData []byte, includeRatchet bool) ([]byte, error) {
	if d.Identity == nil || !d.Identity.CanSign() {
		return nil, fmt.Errorf("destination %s has no signing identity", d.hash)
	}
	if d.Direction != In {
		return nil, fmt.Errorf("only IN destinations may announce")
	}

	nameHash := NameHash(d.AppName, d.Aspects)

	var randomHash [RandomHashLen]byte
	if _, err := rand.Read(randomHash[:]); err != nil {
		return nil, fmt.Errorf("generate announce nonce: %w", err)
	}

	var ratchet []byte
	if includeRatchet {
		ratchet = d.ratchet.Snapshot()
	}

	x25519Pub := d.Identity.X25519Public()
	ed25519Pub := d.Identity.Ed25519Public()

	signed := make([]byte, 0, 64+HashLen+RandomHashLen+len(ratchet)+len(appData))
	signed = append(signed, d.hash[:]...)
	signed = append(signed, x25519Pub[:]...)
	signed = append(signed, ed25519Pub...)
	signed = append(signed, nameHash[:]...)
	signed = append(signed, randomHash[:]...)
	signed = append(signed, ratchet...)
	signed = append(signed, appData...)

	sig, err := d.Identity.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("sign announce: %w", err)
	}

	payload := make([]byte, 0, len(signed)-HashLen+ed25519.SignatureSize)
	payload = append(payload, x25519Pub[:]...)
	payload = append(payload, ed25519Pub...)
	payload = append(payload, nameHash[:]...)
	payload = append(payload, randomHash[:]...)
	if includeRatchet {
		ratchetLen := make([]byte, 2)
		binary.BigEndian.PutUint16(ratchetLen, uint16(len(ratchet)))
		payload = append(payload, ratchetLen...)
		payload = append(payload, ratchet...)
	}
	payload = append(payload, sig...)
	payload = append(payload, appData...)

	return payload, nil
}

// ParseAnnounce parses and validates an announce payload against the
// destination hash it was received for (the packet's destination field).
// hasRatchet must be the producer's context-flag bit (packet.Flags.ContextFlag)
// as carried on the wire, not guessed from the payload shape: a ratchet
// field, when present, is framed with a 2-byte length prefix, and without
// the flag there is no reliable way to tell a ratchet-less announce apart
// from one whose signature bytes happen to look like a plausible length.
func ParseAnnounce(destHash Hash, payload []byte, hasRatchet bool) (*Announce, error) {
	const minLen = 32 + ed25519.PublicKeySize + HashLen + RandomHashLen + ed25519.SignatureSize
	if len(payload) < minLen {
		return nil, fmt.Errorf("announce payload too short: %d bytes, need at least %d", len(payload), minLen)
	}

	pos := 0
	var x25519Pub [32]byte
	copy(x25519Pub[:], payload[pos:pos+32])
	pos += 32

	ed25519Pub := append(ed25519.PublicKey(nil), payload[pos:pos+ed25519.PublicKeySize]...)
	pos += ed25519.PublicKeySize

	var nameHash Hash
	copy(nameHash[:], payload[pos:pos+HashLen])
	pos += HashLen

	var randomHash [RandomHashLen]byte
	copy(randomHash[:], payload[pos:pos+RandomHashLen])
	pos += RandomHashLen

	var ratchet []byte
	if hasRatchet {
		remaining := payload[pos:]
		if len(remaining) < 2 {
			return nil, fmt.Errorf("announce payload missing ratchet length prefix")
		}
		declared := int(binary.BigEndian.Uint16(remaining[:2]))
		if 2+declared+ed25519.SignatureSize > len(remaining) {
			return nil, fmt.Errorf("announce payload too short for declared ratchet length %d", declared)
		}
		ratchet = append([]byte(nil), remaining[2:2+declared]...)
		pos += 2 + declared
	}

	if len(payload)-pos < ed25519.SignatureSize {
		return nil, fmt.Errorf("announce payload missing signature")
	}
	sig := payload[pos : pos+ed25519.SignatureSize]
	pos += ed25519.SignatureSize
	appData := payload[pos:]

	id, err := identity.FromPublicKeys(x25519Pub, ed25519Pub)
	if err != nil {
		return nil, fmt.Errorf("reconstruct identity: %w", err)
	}

	signed := make([]byte, 0, HashLen+32+ed25519.PublicKeySize+HashLen+RandomHashLen+len(ratchet)+len(appData))
	signed = append(signed, destHash[:]...)
	signed = append(signed, x25519Pub[:]...)
	signed = append(signed, ed25519Pub...)
	signed = append(signed, nameHash[:]...)
	signed = append(signed, randomHash[:]...)
	signed = append(signed, ratchet...)
	signed = append(signed, appData...)

	if !id.Verify(signed, sig) {
		return nil, fmt.Errorf("announce signature verification failed")
	}

	return &Announce{
		DestinationHash: destHash,
		Identity:        id,
		NameHash:        nameHash,
		RandomHash:      randomHash,
		Ratchet:         ratchet,
		AppData:         appData,
		RawSigned:       signed,
	}, nil
}
