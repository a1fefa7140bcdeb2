package link

import "testing"

func FuzzDecodeRequestPayload(f *testing.F) {
	valid := requestPayload{Signalling: [3]byte{0x01, 0x02, 0x03}}
	f.Add(valid.encode())
	f.Add([]byte{})
	f.Add(make([]byte, 66))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, valid or not.
		decodeRequestPayload(data)
	})
}

func FuzzDecodeProofPayload(f *testing.F) {
	valid := proofPayload{Signalling: [3]byte{0x01, 0x02, 0x03}}
	f.Add(valid.encode())
	f.Add([]byte{})
	f.Add(make([]byte, 98))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input, valid or not.
		decodeProofPayload(data)
	})
}
