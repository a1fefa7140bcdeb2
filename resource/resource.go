// Package resource implements Reticulum's chunked bulk transfer on top of
// an ACTIVE Link: optional BZ2 compression, sequence-numbered segments
// sized to the link's MDU, SHA-256 reassembly, and a 64-byte
// [hash|HMAC-signature] proof routed back through the link (§4.H).
// Adapted from the teacher's stream package (Stream.Write/Read's chunking
// and the flow.go SENDME windowing), generalized from Tor's per-cell relay
// flow control to Reticulum's chunk-and-reassemble model.
package resource

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/compress/bzip2"

	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
)

// CompressionThreshold is the payload size below which compression isn't
// attempted — BZ2's framing overhead isn't worth it on tiny transfers
// (§4.H, matching LXMF's 319-byte single-packet/Resource split).
const CompressionThreshold = 319

// ProofLen is the fixed size of a Resource completion proof:
// content_hash(32) || hmac_signature(32).
const ProofLen = 64

// ID identifies one Resource transfer: the truncated SHA-256 of its
// (uncompressed) content, correlating ADV/chunk/proof frames the same way
// Requester correlates request/response frames.
type ID [16]byte

// ProgressCallback fires once per accepted chunk during reassembly.
type ProgressCallback func(id ID, received, total int)

// CompleteCallback fires once a transfer concludes, successfully or not.
type CompleteCallback func(id ID, data []byte, err error)

type outgoingTransfer struct {
	hash    [32]byte
	proofCB func(ok bool)
}

type incomingTransfer struct {
	total      int
	chunkCount int
	received   map[uint16][]byte
	count      int
	compressed bool
}

// Manager drives Resource transfers over a single Link, registered as that
// link's resource-frame consumer. One Manager handles any number of
// concurrent transfers in both directions.
type Manager struct {
	l   *link.Link
	mdu int

	mu       sync.Mutex
	outgoing map[ID]*outgoingTransfer
	incoming map[ID]*incomingTransfer

	progressCB ProgressCallback
	completeCB CompleteCallback
}

// NewManager wraps req (an established link's Requester) with Resource
// transfer support, registering itself for CONTEXT_RESOURCE* frames.
func NewManager(l *link.Link, req *link.Requester) *Manager {
	m := &Manager{
		l:        l,
		mdu:      l.MTU(),
		outgoing: make(map[ID]*outgoingTransfer),
		incoming: make(map[ID]*incomingTransfer),
	}
	req.SetResourceCallback(m.dispatch)
	return m
}

// SetProgressCallback registers the per-chunk reassembly progress handler.
func (m *Manager) SetProgressCallback(cb ProgressCallback) { m.progressCB = cb }

// SetCompleteCallback registers the handler fired once a transfer
// concludes (successfully reassembled, or failed to decompress). An
// incomplete transfer is never timed out, so it never fires the handler.
func (m *Manager) SetCompleteCallback(cb CompleteCallback) { m.completeCB = cb }

// advHeader is the CONTEXT_RESOURCE_ADV payload: id(16) | totalSize(u32) |
// chunkCount(u16) | compressed(1).
func encodeAdv(id ID, totalSize uint32, chunkCount uint16, compressed bool) []byte {
	buf := make([]byte, 16+4+2+1)
	copy(buf, id[:])
	binary.BigEndian.PutUint32(buf[16:20], totalSize)
	binary.BigEndian.PutUint16(buf[20:22], chunkCount)
	if compressed {
		buf[22] = 1
	}
	return buf
}

func decodeAdv(data []byte) (id ID, totalSize uint32, chunkCount uint16, compressed bool, err error) {
	if len(data) < 23 {
		err = fmt.Errorf("resource: short ADV frame (%d bytes)", len(data))
		return
	}
	copy(id[:], data[:16])
	totalSize = binary.BigEndian.Uint32(data[16:20])
	chunkCount = binary.BigEndian.Uint16(data[20:22])
	compressed = data[22] == 1
	return
}

// chunkHeader is the CONTEXT_RESOURCE payload: id(16) | seq(u16) | payload.
func encodeChunk(id ID, seq uint16, payload []byte) []byte {
	buf := make([]byte, 0, 18+len(payload))
	buf = append(buf, id[:]...)
	seqBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(seqBuf, seq)
	buf = append(buf, seqBuf...)
	buf = append(buf, payload...)
	return buf
}

func decodeChunk(data []byte) (id ID, seq uint16, payload []byte, err error) {
	if len(data) < 18 {
		err = fmt.Errorf("resource: short chunk frame (%d bytes)", len(data))
		return
	}
	copy(id[:], data[:16])
	seq = binary.BigEndian.Uint16(data[16:18])
	payload = data[18:]
	return
}

// encodeProof is the CONTEXT_RESOURCE_PRF payload: id(16) | hash(32) | sig(32).
func encodeProof(id ID, hash [32]byte, sig []byte) []byte {
	buf := make([]byte, 0, 16+ProofLen)
	buf = append(buf, id[:]...)
	buf = append(buf, hash[:]...)
	buf = append(buf, sig...)
	return buf
}

func decodeProof(data []byte) (id ID, hash [32]byte, sig []byte, err error) {
	if len(data) != 16+ProofLen {
		err = fmt.Errorf("resource: proof frame is %d bytes, want %d", len(data), 16+ProofLen)
		return
	}
	copy(id[:], data[:16])
	copy(hash[:], data[16:48])
	sig = append([]byte(nil), data[48:]...)
	return
}

// compress runs data through BZ2 and returns the compressed form only if
// it's smaller than the input (§4.H "applied when it shrinks the payload").
func compress(data []byte) (out []byte, compressed bool, err error) {
	if len(data) < CompressionThreshold {
		return data, false, nil
	}
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, false, fmt.Errorf("bzip2 writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, false, fmt.Errorf("bzip2 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("bzip2 close: %w", err)
	}
	if buf.Len() >= len(data) {
		return data, false, nil
	}
	return buf.Bytes(), true, nil
}

func sha256Of(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("bzip2 reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bzip2 decompress: %w", err)
	}
	return out, nil
}
