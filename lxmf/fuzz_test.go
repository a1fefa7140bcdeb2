package lxmf

import (
	"testing"

	"github.com/cvsouth/reticulum-go/identity"
)

func FuzzUnpack(f *testing.F) {
	src, err := identity.New()
	if err != nil {
		f.Fatalf("identity.New: %v", err)
	}
	var destHash, srcHash [16]byte
	copy(destHash[:], []byte("fuzz-destination"))
	srcHash = src.Hash()

	m := &Message{
		DestHash:  destHash,
		SrcHash:   srcHash,
		Timestamp: 1700000000,
		Title:     []byte("hi"),
		Content:   []byte("there"),
		Fields:    map[int]any{0: "plain"},
	}
	if wire, err := Pack(m, src); err == nil {
		f.Add(wire)
	}

	m.Stamp = make([]byte, StampLen)
	if wire, err := Pack(m, src); err == nil {
		f.Add(wire)
	}

	f.Add([]byte{})
	f.Add(make([]byte, 64))

	known := fixedLookup{srcHash: src}
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, valid or not.
		_, _ = Unpack(data, known)
	})
}
