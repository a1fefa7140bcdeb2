// Package destination implements Reticulum Destinations: named endpoints
// addressed by a 16-byte truncated hash derived from an app_name/aspects
// tuple, optionally bound to an Identity.
package destination

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cvsouth/reticulum-go/crypto"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
)

// Direction of a Destination.
type Direction int

const (
	In Direction = iota
	Out
)

// Type classifies how a Destination's traffic is secured.
type Type int

const (
	Single Type = iota
	Group
	Plain
	Link
)

// HashLen is the length of a destination hash.
const HashLen = crypto.TruncatedHashLen

// Hash identifies a Destination.
type Hash [HashLen]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// NameHash computes truncated_hash(app_name + "." + join(aspects, ".")),
// the identity-independent half of a Destination hash.
func NameHash(appName string, aspects []string) Hash {
	full := appName
	if len(aspects) > 0 {
		full = full + "." + strings.Join(aspects, ".")
	}
	return Hash(crypto.TruncatedHash([]byte(full)))
}

// ComputeHash derives a Destination hash from its inputs. SINGLE
// destinations mix the owning identity's public hash into the name hash so
// that the same app_name/aspects tuple addresses a different destination
// per identity; PLAIN and GROUP destinations are identity-independent.
func ComputeHash(typ Type, appName string, aspects []string, id *identity.Identity) Hash {
	nameHash := NameHash(appName, aspects)
	if typ != Single || id == nil {
		return nameHash
	}
	idHash := id.Hash()
	mixed := make([]byte, 0, HashLen+identity.HashLen)
	mixed = append(mixed, nameHash[:]...)
	mixed = append(mixed, idHash[:]...)
	return Hash(crypto.TruncatedHash(mixed))
}

// RatchetState holds a Destination's forward-secrecy ratchet for announces.
// The core parses and forwards ratchet bytes transparently; the decision to
// perform ratchet key rotation is deferred (§9 "Ratchets (deferred)").
type RatchetState struct {
	mu     sync.Mutex
	Latest []byte // opaque ratchet bytes from the most recent announce
}

func (r *RatchetState) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.Latest...)
}

func (r *RatchetState) Update(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Latest = append([]byte(nil), raw...)
}

// PacketCallback receives decrypted payload data for DATA packets
// addressed to this destination.
type PacketCallback func(data []byte, fromPacketHash [32]byte)

// LinkEstablishedCallback fires once an inbound Link aimed at this
// destination finishes its handshake, handing the caller the Link so it
// can wire its own packet/resource handling (e.g. LXMRouter registering
// message delivery on a freshly opened lxmf.delivery link).
type LinkEstablishedCallback func(l *link.Link)

// Destination is a local or remote named endpoint.
type Destination struct {
	Identity  *identity.Identity
	Direction Direction
	Type      Type
	AppName   string
	Aspects   []string

	hash Hash

	AcceptLinks bool // only meaningful for IN destinations
	ProveAll    bool // only meaningful for IN destinations: sign and return a PROOF for every delivered DATA packet

	ratchet RatchetState

	mu              sync.RWMutex
	packetCallback  PacketCallback
	linkEstablished LinkEstablishedCallback
}

// New constructs a Destination and computes its hash.
func New(id *identity.Identity, dir Direction, typ Type, appName string, aspects ...string) *Destination {
	d := &Destination{
		Identity:  id,
		Direction: dir,
		Type:      typ,
		AppName:   appName,
		Aspects:   aspects,
	}
	d.hash = ComputeHash(typ, appName, aspects, id)
	return d
}

// Hash returns the destination's 16-byte hash. Deterministic from inputs:
// two Destinations built from identical (type, app_name, aspects, identity)
// always compute the same hash.
func (d *Destination) Hash() Hash { return d.hash }

// SetPacketCallback registers the callback invoked when a DATA packet for
// this destination is dispatched by Transport.
func (d *Destination) SetPacketCallback(cb PacketCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetCallback = cb
}

// DeliverPacket invokes the registered packet callback, if any. Called by
// Transport outside any table lock.
func (d *Destination) DeliverPacket(data []byte, fromPacketHash [32]byte) {
	d.mu.RLock()
	cb := d.packetCallback
	d.mu.RUnlock()
	if cb != nil {
		cb(data, fromPacketHash)
	}
}

// Encrypt encrypts data for this destination. SINGLE destinations encrypt
// to the bound identity's public key; PLAIN destinations pass data through
// unencrypted (by design — plain destinations carry no secrecy guarantee).
func (d *Destination) Encrypt(data []byte) ([]byte, error) {
	switch d.Type {
	case Plain:
		return data, nil
	case Single:
		if d.Identity == nil {
			return nil, fmt.Errorf("destination %s has no bound identity to encrypt to", d.hash)
		}
		return d.Identity.Encrypt(data)
	default:
		return nil, fmt.Errorf("destination type %v does not support single-packet encryption", d.Type)
	}
}

// Decrypt decrypts data received for this destination. The destination
// must be IN and, for SINGLE destinations, own a private Identity.
func (d *Destination) Decrypt(data []byte) ([]byte, error) {
	switch d.Type {
	case Plain:
		return data, nil
	case Single:
		if d.Identity == nil || !d.Identity.CanDecrypt() {
			return nil, fmt.Errorf("destination %s cannot decrypt: no private identity", d.hash)
		}
		return d.Identity.Decrypt(data)
	default:
		return nil, fmt.Errorf("destination type %v does not support single-packet decryption", d.Type)
	}
}

// Ratchet returns this destination's forward-secrecy ratchet state.
func (d *Destination) Ratchet() *RatchetState { return &d.ratchet }

// SetLinkEstablishedCallback registers the callback invoked when an inbound
// Link finishes its handshake against this destination.
func (d *Destination) SetLinkEstablishedCallback(cb LinkEstablishedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkEstablished = cb
}

// NotifyLinkEstablished invokes the registered link-established callback,
// if any. Called by Transport once an inbound Link's handshake completes.
func (d *Destination) NotifyLinkEstablished(l *link.Link) {
	d.mu.RLock()
	cb := d.linkEstablished
	d.mu.RUnlock()
	if cb != nil {
		cb(l)
	}
}
