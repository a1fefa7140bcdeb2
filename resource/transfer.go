package resource

import (
	"fmt"

	"github.com/cvsouth/reticulum-go/packet"
)

// headerOverhead bounds how much of the link MDU a chunk frame's own
// id+seq prefix consumes, so Send never emits a frame larger than the
// link's negotiated MDU.
const headerOverhead = 18

// Send starts an outbound Resource transfer of data over the Manager's
// link: optionally compresses, splits into ceil(size/MDU) sequenced
// chunks, sends an ADV frame announcing the transfer, then every chunk.
// proofCB fires once with whether the reassembled content's proof matched
// what was sent, or never if the link tears down first.
func (m *Manager) Send(data []byte, proofCB func(ok bool)) (ID, error) {
	payload, compressed, err := compress(data)
	if err != nil {
		return ID{}, err
	}

	hash := sha256Of(data)
	var id ID
	copy(id[:], hash[:16])

	mdu := m.mdu - headerOverhead
	if mdu <= 0 {
		return ID{}, fmt.Errorf("resource: link MDU too small for chunk header")
	}
	chunkCount := (len(payload) + mdu - 1) / mdu
	if chunkCount == 0 {
		chunkCount = 1 // a zero-length payload is still one (empty) chunk
	}

	chunks := make([][]byte, 0, chunkCount)
	for off := 0; off < len(payload) || len(chunks) == 0; off += mdu {
		end := off + mdu
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
		if end == len(payload) {
			break
		}
	}

	m.mu.Lock()
	m.outgoing[id] = &outgoingTransfer{hash: hash, proofCB: proofCB}
	m.mu.Unlock()

	adv := encodeAdv(id, uint32(len(payload)), uint16(len(chunks)), compressed)
	if err := m.l.Send(adv, packet.ContextResourceAdv); err != nil {
		return id, fmt.Errorf("send resource adv: %w", err)
	}
	for seq, chunk := range chunks {
		frame := encodeChunk(id, uint16(seq), chunk)
		if err := m.l.Send(frame, packet.ContextResource); err != nil {
			return id, fmt.Errorf("send resource chunk %d: %w", seq, err)
		}
	}
	return id, nil
}

func (m *Manager) dispatch(data []byte, ctx packet.Context) {
	switch ctx {
	case packet.ContextResourceAdv:
		m.handleAdv(data)
	case packet.ContextResource:
		m.handleChunk(data)
	case packet.ContextResourcePRF:
		m.handleProof(data)
	}
}

func (m *Manager) handleAdv(data []byte) {
	id, totalSize, chunkCount, compressed, err := decodeAdv(data)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.incoming[id] = &incomingTransfer{
		total:      int(totalSize),
		chunkCount: int(chunkCount),
		received:   make(map[uint16][]byte, chunkCount),
		compressed: compressed,
	}
	m.mu.Unlock()
}

func (m *Manager) handleChunk(data []byte) {
	id, seq, payload, err := decodeChunk(data)
	if err != nil {
		return
	}

	m.mu.Lock()
	t, ok := m.incoming[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, dup := t.received[seq]; !dup {
		t.received[seq] = append([]byte(nil), payload...)
		t.count++
	}
	received, total := t.count, t.chunkCount
	m.mu.Unlock()

	if m.progressCB != nil {
		m.progressCB(id, received, total)
	}

	m.maybeReassemble(id)
}

// maybeReassemble checks whether every advertised chunk for id has
// arrived and, if so, reassembles, decompresses, verifies, and replies
// with a proof (receiver side) or resolves the waiting Send (sender side
// never calls this — only handleProof does).
func (m *Manager) maybeReassemble(id ID) {
	m.mu.Lock()
	t, ok := m.incoming[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	expected := t.chunkCount
	if expected == 0 || len(t.received) < expected {
		m.mu.Unlock()
		return
	}
	ordered := make([]byte, 0, t.total)
	for seq := 0; seq < expected; seq++ {
		chunk, have := t.received[uint16(seq)]
		if !have {
			m.mu.Unlock()
			return
		}
		ordered = append(ordered, chunk...)
	}
	compressed := t.compressed
	delete(m.incoming, id)
	m.mu.Unlock()

	var content []byte
	var err error
	if compressed {
		content, err = decompress(ordered)
	} else {
		content = ordered
	}

	if err != nil {
		if m.completeCB != nil {
			m.completeCB(id, nil, err)
		}
		return
	}

	hash := sha256Of(content)
	sig := m.l.SignHMAC(hash[:])
	proofFrame := encodeProof(id, hash, sig)
	_ = m.l.Send(proofFrame, packet.ContextResourcePRF)

	if m.completeCB != nil {
		m.completeCB(id, content, nil)
	}
}

func (m *Manager) handleProof(data []byte) {
	id, hash, sig, err := decodeProof(data)
	if err != nil {
		return
	}

	m.mu.Lock()
	out, ok := m.outgoing[id]
	if ok {
		delete(m.outgoing, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	valid := out.hash == hash && m.l.VerifyHMAC(hash[:], sig)
	if out.proofCB != nil {
		out.proofCB(valid)
	}
}
