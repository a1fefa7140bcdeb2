package lxmf

import (
	"crypto/ed25519"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cvsouth/reticulum-go/crypto"
	"github.com/cvsouth/reticulum-go/identity"
)

// State is where a Message sits in its outbound lifecycle (§3 "LXMessage").
type State int

const (
	Generating State = iota
	Outbound
	Sending
	Sent
	Delivered
	Failed
)

func (s State) String() string {
	switch s {
	case Generating:
		return "GENERATING"
	case Outbound:
		return "OUTBOUND"
	case Sending:
		return "SENDING"
	case Sent:
		return "SENT"
	case Delivered:
		return "DELIVERED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Method selects how a Message should be delivered.
type Method int

const (
	Direct Method = iota
	Opportunistic
	Propagated
)

// SingleDeliveryThreshold: payloads at or below this size travel as one
// packet; larger payloads go over a Resource transfer on an ACTIVE link
// (§8 "LXMF payload threshold: ≤319 bytes → single packet; 320+ → Resource").
const SingleDeliveryThreshold = 319

// Message is the LXMF user-facing message: dest|src|signature|msgpack
// payload, with an optional trailing proof-of-work stamp.
type Message struct {
	DestHash  [16]byte
	SrcHash   [16]byte
	Timestamp float64
	Title     []byte
	Content   []byte
	Fields    map[int]any
	Stamp     []byte // nil until a stamp is generated or parsed

	State  State
	Method Method

	DeliveryCallback func(m *Message)
	FailedCallback   func(m *Message)
}

// payloadTuple is what travels as the msgpack body, with or without a
// trailing stamp (§3 "a 4- or 5-tuple").
type payloadTuple struct {
	Timestamp float64
	Title     []byte
	Content   []byte
	Fields    map[int]any
}

func (m *Message) tuple() payloadTuple {
	fields := m.Fields
	if fields == nil {
		fields = map[int]any{}
	}
	return payloadTuple{Timestamp: m.Timestamp, Title: m.Title, Content: m.Content, Fields: fields}
}

func encodeTuple(t payloadTuple) ([]byte, error) {
	return msgpack.Marshal([]any{t.Timestamp, t.Title, t.Content, t.Fields})
}

// Hash computes the message hash: SHA-256 over dest||src||payload, where
// payload is the msgpack-encoded 4-tuple with any stamp stripped (§4.I).
func (m *Message) Hash() ([32]byte, error) {
	body, err := encodeTuple(m.tuple())
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode payload for hash: %w", err)
	}
	buf := make([]byte, 0, 32+len(body))
	buf = append(buf, m.DestHash[:]...)
	buf = append(buf, m.SrcHash[:]...)
	buf = append(buf, body...)
	return crypto.FullHash(buf), nil
}

// Pack serializes m to its wire form, signing with src. If m.Stamp is set,
// the stamp travels as a fifth tuple element but is excluded from the hash
// the signature covers.
func Pack(m *Message, src *identity.Identity) ([]byte, error) {
	if !src.CanSign() {
		return nil, fmt.Errorf("lxmf: source identity cannot sign")
	}

	hash, err := m.Hash()
	if err != nil {
		return nil, err
	}

	signed := make([]byte, 0, 32+32)
	signed = append(signed, m.DestHash[:]...)
	signed = append(signed, m.SrcHash[:]...)
	signed = append(signed, hash[:]...)
	sig, err := src.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	var body []byte
	t := m.tuple()
	if len(m.Stamp) > 0 {
		body, err = msgpack.Marshal([]any{t.Timestamp, t.Title, t.Content, t.Fields, m.Stamp})
	} else {
		body, err = encodeTuple(t)
	}
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	wire := make([]byte, 0, 16+16+ed25519.SignatureSize+len(body))
	wire = append(wire, m.DestHash[:]...)
	wire = append(wire, m.SrcHash[:]...)
	wire = append(wire, sig...)
	wire = append(wire, body...)
	return wire, nil
}

// IdentityLookup resolves the Identity bound to a destination hash, as
// learned from a prior announce. Message verification needs this, not a
// plain identity-hash cache, because dest/src fields in the wire format are
// destination hashes (mixed with identity) rather than raw identity hashes.
type IdentityLookup interface {
	Lookup(destHash [16]byte) (*identity.Identity, bool)
}

// Unpack parses wire into a Message and verifies its signature against the
// source identity remembered in known (populated by a prior announce or
// explicit Remember — §4.I "signature validation requires the source
// Identity's Ed25519 public key to be remembered").
func Unpack(wire []byte, known IdentityLookup) (*Message, error) {
	const minLen = 16 + 16 + ed25519.SignatureSize
	if len(wire) < minLen+1 {
		return nil, fmt.Errorf("lxmf: frame too short (%d bytes)", len(wire))
	}

	var destHash, srcHash [16]byte
	copy(destHash[:], wire[:16])
	copy(srcHash[:], wire[16:32])
	sig := wire[32:minLen]
	payload := wire[minLen:]

	var raw []any
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(raw) != 4 && len(raw) != 5 {
		return nil, fmt.Errorf("lxmf: payload has %d elements, want 4 or 5", len(raw))
	}

	m := &Message{}
	copy(m.DestHash[:], destHash[:])
	copy(m.SrcHash[:], srcHash[:])

	var err error
	m.Timestamp, err = asFloat64(raw[0])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	m.Title, err = asBytes(raw[1])
	if err != nil {
		return nil, fmt.Errorf("title: %w", err)
	}
	m.Content, err = asBytes(raw[2])
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	m.Fields, err = asIntMap(raw[3])
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	if len(raw) == 5 {
		m.Stamp, err = asBytes(raw[4])
		if err != nil {
			return nil, fmt.Errorf("stamp: %w", err)
		}
	}

	hash, err := m.Hash()
	if err != nil {
		return nil, err
	}
	signed := make([]byte, 0, 64)
	signed = append(signed, m.DestHash[:]...)
	signed = append(signed, m.SrcHash[:]...)
	signed = append(signed, hash[:]...)

	srcIdent, ok := known.Lookup(srcHash)
	if !ok {
		return nil, fmt.Errorf("lxmf: source identity %x is not remembered", srcHash)
	}
	if !srcIdent.Verify(signed, sig) {
		return nil, fmt.Errorf("lxmf: signature verification failed")
	}

	return m, nil
}

func asFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

func asIntMap(v any) (map[int]any, error) {
	switch x := v.(type) {
	case map[int]any:
		return x, nil
	case map[interface{}]interface{}:
		out := make(map[int]any, len(x))
		for k, val := range x {
			ik, err := asInt(k)
			if err != nil {
				return nil, err
			}
			out[ik] = val
		}
		return out, nil
	case nil:
		return map[int]any{}, nil
	default:
		return nil, fmt.Errorf("unexpected fields type %T", v)
	}
}

func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int8:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("unexpected key type %T", v)
	}
}
