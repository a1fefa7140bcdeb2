package link

import (
	"fmt"
	"time"

	"github.com/cvsouth/reticulum-go/crypto"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/packet"
)

// requestPayload is the LINKREQUEST packet body: the initiator's ephemeral
// X25519 public key, its Ed25519 identity public key (so the responder can
// verify who is asking), and the 3-byte MTU/mode signalling.
type requestPayload struct {
	X25519Pub  [32]byte
	Ed25519Pub [32]byte
	Signalling [3]byte
}

func (r requestPayload) encode() []byte {
	out := make([]byte, 0, 32+32+3)
	out = append(out, r.X25519Pub[:]...)
	out = append(out, r.Ed25519Pub[:]...)
	out = append(out, r.Signalling[:]...)
	return out
}

func decodeRequestPayload(b []byte) (requestPayload, error) {
	if len(b) != 32+32+3 {
		return requestPayload{}, fmt.Errorf("link request payload: want %d bytes, got %d", 32+32+3, len(b))
	}
	var r requestPayload
	copy(r.X25519Pub[:], b[0:32])
	copy(r.Ed25519Pub[:], b[32:64])
	copy(r.Signalling[:], b[64:67])
	return r, nil
}

// proofPayload is the LRPROOF packet body the responder sends back: its own
// ephemeral X25519 public key, its echo of the signalling, and an Ed25519
// signature over the handshake transcript made with the destination's
// static identity key. A static-key signature is used in place of an
// ntor-style HMAC-to-shared-secret because the initiator has no prior
// shared secret with the responder — only the responder's previously
// announced public Ed25519 key.
type proofPayload struct {
	X25519Pub  [32]byte
	Signalling [3]byte
	Signature  [64]byte
}

func (p proofPayload) encode() []byte {
	out := make([]byte, 0, 32+3+64)
	out = append(out, p.X25519Pub[:]...)
	out = append(out, p.Signalling[:]...)
	out = append(out, p.Signature[:]...)
	return out
}

func decodeProofPayload(b []byte) (proofPayload, error) {
	if len(b) != 32+3+64 {
		return proofPayload{}, fmt.Errorf("link proof payload: want %d bytes, got %d", 32+3+64, len(b))
	}
	var p proofPayload
	copy(p.X25519Pub[:], b[0:32])
	copy(p.Signalling[:], b[32:35])
	copy(p.Signature[:], b[35:99])
	return p, nil
}

// transcript builds the bytes the responder signs and the initiator
// verifies: linkID || initiatorXPub || initiatorEdPub || responderXPub || signalling.
func transcript(linkID ID, initX, initEd, respX [32]byte, signalling [3]byte) []byte {
	buf := make([]byte, 0, 16+32+32+32+3)
	buf = append(buf, linkID[:]...)
	buf = append(buf, initX[:]...)
	buf = append(buf, initEd[:]...)
	buf = append(buf, respX[:]...)
	buf = append(buf, signalling[:]...)
	return buf
}

// BuildLinkRequest constructs the PENDING initiator-side Link for a new
// connection to destHash over via, generating a fresh ephemeral X25519
// keypair and returning the wire-ready LINKREQUEST packet alongside the
// Link that will complete once its matching PROOF arrives.
func BuildLinkRequest(localIdent *identity.Identity, destHash [16]byte, via iface.Interface, mtu int, mode Mode) (*Link, *packet.Packet, error) {
	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral x25519 keypair: %w", err)
	}

	var edPub [32]byte
	copy(edPub[:], localIdent.Ed25519Public())

	req := requestPayload{
		X25519Pub:  ephPub,
		Ed25519Pub: edPub,
		Signalling: encodeSignalling(mtu, mode),
	}
	payload := req.encode()

	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestLink,
			PacketType:      packet.TypeLinkRequest,
		},
		DestinationHash: destHash,
		Context:         packet.ContextNone,
		Data:            payload,
	}

	l := &Link{
		ID:        ID(pkt.TruncatedHash()),
		Initiator: true,
		LocalDest: destHash,
		viaIface:  via,
		mtu:       mtu,
		mode:      mode,
		hsPriv:    ephPriv,
		hsPub:     ephPub,
		hsEdPub:   append([]byte(nil), localIdent.Ed25519Public()...),
		logger:    noopLogger{},
	}
	l.setState(Pending)
	return l, pkt, nil
}

// HandleLinkRequest is the responder side: given an inbound LINKREQUEST
// packet addressed to a Destination backed by localIdent, build the
// responder-side Link, already ACTIVE with its keys derived, and the PROOF
// packet to send back.
func HandleLinkRequest(localIdent *identity.Identity, req *packet.Packet, via iface.Interface, responderMTU int, mode Mode) (*Link, *packet.Packet, error) {
	parsed, err := decodeRequestPayload(req.Data)
	if err != nil {
		return nil, nil, err
	}

	ephPriv, ephPub, err := generateX25519()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral x25519 keypair: %w", err)
	}

	linkID := req.TruncatedHash()
	initMTU, _ := decodeSignalling(parsed.Signalling)
	negotiatedMTU := responderMTU
	if initMTU > 0 && initMTU < negotiatedMTU {
		negotiatedMTU = initMTU
	}
	signalling := encodeSignalling(negotiatedMTU, mode)

	tx := transcript(ID(linkID), parsed.X25519Pub, parsed.Ed25519Pub, ephPub, signalling)
	sig, err := localIdent.Sign(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("sign link proof: %w", err)
	}
	var sigArr [64]byte
	copy(sigArr[:], sig)

	proof := proofPayload{X25519Pub: ephPub, Signalling: signalling, Signature: sigArr}

	proofPkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestLink,
			PacketType:      packet.TypeProof,
		},
		DestinationHash: linkID,
		Context:         packet.ContextLRProof,
		Data:            proof.encode(),
	}

	shared, err := crypto.X25519Derive(ephPriv, parsed.X25519Pub)
	if err != nil {
		return nil, nil, fmt.Errorf("derive shared secret: %w", err)
	}
	aesKey, hmacKey, err := deriveLinkKeys(shared, linkID[:])
	if err != nil {
		return nil, nil, err
	}

	l := &Link{
		ID:        ID(linkID),
		Initiator: false,
		viaIface:  via,
		mtu:       negotiatedMTU,
		mode:      mode,
		aesKey:    aesKey,
		hmacKey:   hmacKey,
		logger:    noopLogger{},
	}
	l.lastInbnd = time.Now()
	l.setState(Active)
	return l, proofPkt, nil
}

// CompleteHandshake is the initiator side: given the PROOF packet received
// in response to an earlier BuildLinkRequest, verify the responder's
// signature against its known public identity and, on success, derive the
// link's transport keys and move the link to ACTIVE.
func (l *Link) CompleteHandshake(proofPkt *packet.Packet, remoteIdent *identity.Identity) error {
	if !l.Initiator {
		return fmt.Errorf("CompleteHandshake called on a responder-side link")
	}
	if l.State() != Pending {
		return fmt.Errorf("link %s: CompleteHandshake called in state %s", l.ID, l.State())
	}

	proof, err := decodeProofPayload(proofPkt.Data)
	if err != nil {
		return err
	}

	var initEd [32]byte
	copy(initEd[:], l.hsEdPub)
	tx := transcript(l.ID, l.hsPub, initEd, proof.X25519Pub, proof.Signalling)
	if !remoteIdent.Verify(tx, proof.Signature[:]) {
		l.Teardown(ReasonLinkError)
		return fmt.Errorf("link %s: proof signature verification failed", l.ID)
	}

	shared, err := crypto.X25519Derive(l.hsPriv, proof.X25519Pub)
	if err != nil {
		l.Teardown(ReasonLinkError)
		return fmt.Errorf("derive shared secret: %w", err)
	}
	aesKey, hmacKey, err := deriveLinkKeys(shared, l.ID[:])
	if err != nil {
		l.Teardown(ReasonLinkError)
		return err
	}

	negotiatedMTU, _ := decodeSignalling(proof.Signalling)

	l.mu.Lock()
	l.aesKey = aesKey
	l.hmacKey = hmacKey
	l.lastInbnd = time.Now()
	if negotiatedMTU > 0 {
		l.mtu = negotiatedMTU
	}
	l.mu.Unlock()

	// handshake-only ephemeral scalars are no longer needed.
	clear(l.hsPriv[:])
	l.hsEdPub = nil

	l.setState(Active)
	if l.establishedCB != nil {
		l.establishedCB(l)
	}
	return nil
}

func generateX25519() (priv, pub [32]byte, err error) {
	kp, err := crypto.GenerateX25519()
	if err != nil {
		return priv, pub, err
	}
	return kp.Private, kp.Public, nil
}
