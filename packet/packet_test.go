package packet

import "testing"

func TestPackUnpackRoundTripH1(t *testing.T) {
	p := &Packet{
		Flags: Flags{
			HeaderType:      Header1,
			ContextFlag:     false,
			TransportType:   Broadcast,
			DestinationType: DestSingle,
			PacketType:      TypeData,
		},
		Hops:    3,
		Context: ContextNone,
		Data:    []byte("hello"),
	}
	for i := range p.DestinationHash {
		p.DestinationHash[i] = byte(i)
	}

	raw, err := p.Pack(DefaultMTU)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(raw)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.Hops != p.Hops || got.Context != p.Context || string(got.Data) != string(p.Data) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
	}
	if got.DestinationHash != p.DestinationHash {
		t.Fatal("destination hash mismatch")
	}
}

func TestPackUnpackRoundTripH2(t *testing.T) {
	p := &Packet{
		Flags: Flags{
			HeaderType:      Header2,
			TransportType:   Transport,
			DestinationType: DestSingle,
			PacketType:      TypeData,
		},
		Hops:    1,
		Context: ContextNone,
		Data:    []byte{0xAA, 0xBB},
	}
	for i := range p.TransportID {
		p.TransportID[i] = byte(0xFF - i)
	}

	raw, err := p.Pack(DefaultMTU)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(raw)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.TransportID != p.TransportID {
		t.Fatal("transport id mismatch")
	}
}

func TestZeroLengthPayload(t *testing.T) {
	p := &Packet{Flags: Flags{HeaderType: Header1, PacketType: TypeData}}
	raw, err := p.Pack(DefaultMTU)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(raw)
	if err != nil {
		t.Fatalf("Unpack of zero-length payload must succeed: %v", err)
	}
	if len(got.Data) != 0 {
		t.Fatalf("expected zero-length data, got %d bytes", len(got.Data))
	}
}

func TestMTUEnforced(t *testing.T) {
	p := &Packet{Flags: Flags{HeaderType: Header1}, Data: make([]byte, 100)}
	if _, err := p.Pack(10); err == nil {
		t.Fatal("expected MTU violation error")
	}
}

func TestUnpackRejectsShortFrames(t *testing.T) {
	if _, err := Unpack(nil); err == nil {
		t.Fatal("expected error on empty input")
	}
	if _, err := Unpack([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected error on too-short H1 frame")
	}
	// Flags claiming HEADER_2 but only enough bytes for HEADER_1.
	h2Flags := Flags{HeaderType: Header2}.Byte()
	short := append([]byte{h2Flags}, make([]byte, HeaderMinH1-1)...)
	if _, err := Unpack(short); err == nil {
		t.Fatal("expected error on too-short H2 frame")
	}
}

func TestHashExcludesTransportIDAndTopFlagBits(t *testing.T) {
	base := &Packet{
		Flags: Flags{HeaderType: Header1, DestinationType: DestSingle, PacketType: TypeData},
		Hops:  0,
		Data:  []byte("payload"),
	}
	rewritten := &Packet{
		Flags:       Flags{HeaderType: Header2, TransportType: Transport, DestinationType: DestSingle, PacketType: TypeData},
		Hops:        base.Hops,
		Data:        base.Data,
		TransportID: [HashLen]byte{1, 2, 3},
	}
	if base.Hash() != rewritten.Hash() {
		t.Fatal("hash must be independent of header type, transport_id, and context_flag/transport_type bits")
	}
}

func TestParseFlagsRoundTrip(t *testing.T) {
	f := Flags{
		HeaderType:      Header2,
		ContextFlag:     true,
		TransportType:   Transport,
		DestinationType: DestLink,
		PacketType:      TypeProof,
	}
	got := ParseFlags(f.Byte())
	if got != f {
		t.Fatalf("flags round trip mismatch: got %+v, want %+v", got, f)
	}
}
