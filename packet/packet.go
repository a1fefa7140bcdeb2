// Package packet implements the Reticulum packet wire format: flags byte,
// HEADER_1/HEADER_2 framing, pack/unpack, the hashable region used for
// duplicate suppression and proof correlation, and MTU enforcement.
package packet

import (
	"crypto/sha256"
	"fmt"

	"github.com/cvsouth/reticulum-go/crypto"
)

// PacketType classifies what a packet carries.
type PacketType uint8

const (
	TypeData        PacketType = 0
	TypeAnnounce    PacketType = 1
	TypeLinkRequest PacketType = 2
	TypeProof       PacketType = 3
)

// HeaderType selects HEADER_1 (no transport id) or HEADER_2 (transport id present).
type HeaderType uint8

const (
	Header1 HeaderType = 0
	Header2 HeaderType = 1
)

// TransportType marks whether a packet is a local broadcast or carries an
// explicit transport instruction.
type TransportType uint8

const (
	Broadcast TransportType = 0
	Transport TransportType = 1
)

// DestinationType mirrors destination.Type, duplicated here to keep packet
// free of a dependency on the destination package.
type DestinationType uint8

const (
	DestSingle DestinationType = 0
	DestGroup  DestinationType = 1
	DestPlain  DestinationType = 2
	DestLink   DestinationType = 3
)

// Context is a single byte further classifying a DATA (or other) packet.
type Context uint8

const (
	ContextNone         Context = 0x00
	ContextResource     Context = 0x01
	ContextResourceAdv  Context = 0x02
	ContextResourceReq  Context = 0x03
	ContextResourceHMU  Context = 0x04
	ContextResourcePRF  Context = 0x05
	ContextResourceICL  Context = 0x06
	ContextResourceRCL  Context = 0x07
	ContextCacheRequest Context = 0x08
	ContextRequest      Context = 0x09
	ContextResponse     Context = 0x0A
	ContextPathResponse Context = 0x0B
	ContextCommand      Context = 0x0C
	ContextCommandStat  Context = 0x0D
	ContextKeepalive    Context = 0x0E
	ContextLinkIdentify Context = 0x0F
	ContextLinkClose    Context = 0x10
	ContextLinkProof    Context = 0x11
	ContextLRRTT        Context = 0x12
	ContextLRProof      Context = 0x13
)

// HashLen is the length of a destination/transport-id hash field.
const HashLen = crypto.TruncatedHashLen

// DefaultMTU is the global MTU fallback used when a destination or link
// does not specify one.
const DefaultMTU = 500

// Minimum frame sizes below which Unpack refuses to parse (§4.D). A bare
// HEADER_1 frame is flags(1)+hops(1)+dest_hash(16)+context(1) = 19 bytes
// with zero-length data; HEADER_2 additionally carries a 16-byte transport
// id, for 35 bytes. This repo treats data as genuinely optional down to
// zero length (§8 "Boundary behaviors: Zero-length payload"), so the
// minimums below are the bare non-data header size, not header size + 1.
const (
	HeaderMinH1 = 1 + 1 + HashLen + 1
	HeaderMinH2 = 1 + 1 + HashLen + HashLen + 1
)

// Flags packs header_type[7:6], context_flag[5], transport_type[4],
// destination_type[3:2], packet_type[1:0] into a single byte.
type Flags struct {
	HeaderType      HeaderType
	ContextFlag     bool
	TransportType   TransportType
	DestinationType DestinationType
	PacketType      PacketType
}

func (f Flags) Byte() byte {
	var b byte
	b |= byte(f.HeaderType&0x3) << 6
	if f.ContextFlag {
		b |= 1 << 5
	}
	b |= byte(f.TransportType&0x1) << 4
	b |= byte(f.DestinationType&0x3) << 2
	b |= byte(f.PacketType & 0x3)
	return b
}

// ParseFlags decodes a flags byte without touching any other packet data,
// suitable for quick dispatch before a full Unpack.
func ParseFlags(b byte) Flags {
	return Flags{
		HeaderType:      HeaderType((b >> 6) & 0x3),
		ContextFlag:     (b>>5)&0x1 != 0,
		TransportType:   TransportType((b >> 4) & 0x1),
		DestinationType: DestinationType((b >> 2) & 0x3),
		PacketType:      PacketType(b & 0x3),
	}
}

// Packet is a parsed Reticulum packet.
type Packet struct {
	Flags           Flags
	Hops            uint8
	DestinationHash [HashLen]byte
	TransportID     [HashLen]byte // only meaningful when Flags.HeaderType == Header2
	Context         Context
	Data            []byte
}

// Pack serializes p to its wire form, enforcing mtu (DefaultMTU if 0).
func (p *Packet) Pack(mtu int) ([]byte, error) {
	if mtu == 0 {
		mtu = DefaultMTU
	}

	size := 1 + 1 + HashLen + 1 + len(p.Data)
	if p.Flags.HeaderType == Header2 {
		size += HashLen
	}
	if size > mtu {
		return nil, fmt.Errorf("packet of %d bytes exceeds mtu %d", size, mtu)
	}

	out := make([]byte, 0, size)
	out = append(out, p.Flags.Byte())
	out = append(out, p.Hops)
	out = append(out, p.DestinationHash[:]...)
	if p.Flags.HeaderType == Header2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, byte(p.Context))
	out = append(out, p.Data...)
	return out, nil
}

// Unpack parses raw wire bytes into a Packet. It performs no crypto and
// returns an error on any malformed input: too-short frames or unknown
// header bits are rejected outright (callers drop the packet silently;
// Transport is responsible for that policy, not this function).
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("empty packet")
	}
	flags := ParseFlags(raw[0])
	if flags.HeaderType > Header2 {
		return nil, fmt.Errorf("unknown header type %d", flags.HeaderType)
	}

	minLen := HeaderMinH1
	if flags.HeaderType == Header2 {
		minLen = HeaderMinH2
	}
	if len(raw) < minLen {
		return nil, fmt.Errorf("packet too short: %d bytes, need at least %d", len(raw), minLen)
	}

	p := &Packet{Flags: flags}
	pos := 1
	p.Hops = raw[pos]
	pos++
	copy(p.DestinationHash[:], raw[pos:pos+HashLen])
	pos += HashLen
	if flags.HeaderType == Header2 {
		copy(p.TransportID[:], raw[pos:pos+HashLen])
		pos += HashLen
	}
	p.Context = Context(raw[pos])
	pos++
	p.Data = append([]byte(nil), raw[pos:]...)
	return p, nil
}

// Hash computes the packet hash over the hashable region: flags with the
// top 4 bits cleared, hops, dest_hash, context, data. transport_id and the
// header-type/context-flag/transport-type bits are excluded so that a
// HEADER_2 rewrite (attaching a transport id) does not change a packet's
// identity for duplicate suppression. Hops is part of the hashed region, so
// a copy whose hop count was incremented hashes differently.
func (p *Packet) Hash() [32]byte {
	maskedFlags := p.Flags.Byte() & 0x0F
	buf := make([]byte, 0, 1+1+HashLen+1+len(p.Data))
	buf = append(buf, maskedFlags)
	buf = append(buf, p.Hops)
	buf = append(buf, p.DestinationHash[:]...)
	buf = append(buf, byte(p.Context))
	buf = append(buf, p.Data...)
	return sha256.Sum256(buf)
}

// TruncatedHash returns the first 16 bytes of Hash(), used as packet
// identifiers in the hashlist and reverse table.
func (p *Packet) TruncatedHash() [HashLen]byte {
	full := p.Hash()
	var out [HashLen]byte
	copy(out[:], full[:HashLen])
	return out
}
