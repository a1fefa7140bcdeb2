package link

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"github.com/cvsouth/reticulum-go/crypto"
	"github.com/cvsouth/reticulum-go/packet"
)

// Send encrypts data under the link's AES-256-CBC key with a fresh random
// IV, authenticates the framed ciphertext with HMAC-SHA256, and hands the
// resulting DATA packet to the interface the link was established over.
// Wire format of the packet payload: iv(16) || ciphertext || hmac(32).
func (l *Link) Send(data []byte, ctx packet.Context) error {
	if l.State() != Active && l.State() != Stale {
		return fmt.Errorf("link %s: Send called in state %s", l.ID, l.State())
	}
	if l.sender == nil {
		return fmt.Errorf("link %s: no outbound sender attached", l.ID)
	}
	aesKey, hmacKey := l.keys()
	if aesKey == nil {
		return fmt.Errorf("link %s: no transport keys established", l.ID)
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}
	ct, err := crypto.AESCBCEncrypt(aesKey, iv, data)
	if err != nil {
		return fmt.Errorf("aes encrypt: %w", err)
	}

	framed := make([]byte, 0, 16+len(ct)+32)
	framed = append(framed, iv...)
	framed = append(framed, ct...)
	mac := crypto.HMACSHA256(hmacKey, framed)
	framed = append(framed, mac...)

	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestLink,
			PacketType:      packet.TypeData,
		},
		DestinationHash: l.ID,
		Context:         ctx,
		Data:            framed,
	}
	if err := l.sender.SendPacket(pkt, l.viaIface); err != nil {
		return fmt.Errorf("send link frame: %w", err)
	}
	return nil
}

// Receive authenticates and decrypts an inbound link frame, refreshes the
// idle clock (reviving a STALE link), and dispatches the plaintext to the
// registered packet callback.
func (l *Link) Receive(framed []byte, ctx packet.Context) error {
	aesKey, hmacKey := l.keys()
	if aesKey == nil {
		return fmt.Errorf("link %s: no transport keys established", l.ID)
	}
	if len(framed) < 16+32 {
		return fmt.Errorf("link %s: frame too short", l.ID)
	}
	body := framed[:len(framed)-32]
	mac := framed[len(framed)-32:]
	expected := crypto.HMACSHA256(hmacKey, body)
	if !hmac.Equal(mac, expected) {
		return fmt.Errorf("link %s: frame hmac validation failed", l.ID)
	}

	iv := body[:16]
	ct := body[16:]
	plaintext, err := crypto.AESCBCDecrypt(aesKey, iv, ct)
	if err != nil {
		return fmt.Errorf("link %s: aes decrypt: %w", l.ID, err)
	}

	l.touchInbound()
	if l.packetCB != nil {
		l.packetCB(plaintext, ctx)
	}
	return nil
}

// Attach wires the link to the Transport-provided sender used for Send,
// called once the link owner (Transport) has registered the link.
func (l *Link) Attach(sender OutboundSender) {
	l.sender = sender
}
