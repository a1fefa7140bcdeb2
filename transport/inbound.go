package transport

import (
	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
)

// Inbound is the entry point every Interface calls with framed bytes it
// has just read. It implements §4.F's inbound algorithm: unpack, dedupe,
// dispatch by packet type, and (for non-local destinations with a known
// path) forward.
func (c *Context) Inbound(data []byte, from iface.Interface) {
	pkt, err := packet.Unpack(data)
	if err != nil {
		c.logger.Debug("dropping malformed packet", "interface", from.Name(), "error", err)
		return
	}

	h := pkt.Hash()
	if _, seen := c.hashlist.Get(h); seen {
		return
	}
	c.hashlist.Add(h, struct{}{})

	switch pkt.Flags.PacketType {
	case packet.TypeAnnounce:
		c.handleAnnounce(pkt, from)
	case packet.TypeLinkRequest:
		c.handleLinkRequest(pkt, from)
	case packet.TypeProof:
		c.handleProof(pkt, from)
	case packet.TypeData:
		c.handleData(pkt, from)
	}
}

func (c *Context) handleData(pkt *packet.Packet, from iface.Interface) {
	if pkt.Flags.DestinationType == packet.DestLink {
		c.linkMu.RLock()
		l, ok := c.links[link.ID(pkt.DestinationHash)]
		c.linkMu.RUnlock()
		if !ok {
			return
		}
		if err := l.Receive(pkt.Data, pkt.Context); err != nil {
			c.logger.Debug("link frame rejected", "link", l.ID, "error", err)
		}
		return
	}

	destHash := destination.Hash(pkt.DestinationHash)
	d, ok := c.lookupDestination(destHash)
	if !ok {
		c.maybeForward(pkt, from)
		return
	}

	plaintext, err := d.Decrypt(pkt.Data)
	if err != nil {
		c.logger.Debug("destination decrypt failed", "destination", destHash, "error", err)
		return
	}
	d.DeliverPacket(plaintext, pkt.Hash())

	if d.Direction == destination.In && d.ProveAll && d.Identity != nil && d.Identity.CanSign() {
		c.sendProof(pkt, from)
	}
}

// sendProof builds and sends the PROOF packet for a delivered DATA packet
// whose destination has ProveAll set: its DestinationHash carries the
// proved packet's truncated hash (real Reticulum's PROOF wire convention,
// not the hash of the proof packet itself — see handleProof), and its Data
// is a signature over that hash made with the destination's identity, so
// the original sender can verify the proof came from who it was sent to.
func (c *Context) sendProof(pkt *packet.Packet, from iface.Interface) {
	destHash := destination.Hash(pkt.DestinationHash)
	d, ok := c.lookupDestination(destHash)
	if !ok {
		return
	}
	proved := pkt.TruncatedHash()
	sig, err := d.Identity.Sign(proved[:])
	if err != nil {
		c.logger.Debug("sign proof failed", "destination", destHash, "error", err)
		return
	}
	proofPkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeProof,
		},
		DestinationHash: proved,
		Context:         packet.ContextLinkProof,
		Data:            sig,
	}
	if err := c.SendPacket(proofPkt, from); err != nil {
		c.logger.Debug("send proof failed", "destination", destHash, "error", err)
	}
}

func (c *Context) handleLinkRequest(pkt *packet.Packet, from iface.Interface) {
	destHash := destination.Hash(pkt.DestinationHash)
	d, ok := c.lookupDestination(destHash)
	if !ok || d.Direction != destination.In || !d.AcceptLinks {
		return
	}
	if d.Identity == nil || !d.Identity.CanSign() {
		return
	}

	l, proofPkt, err := link.HandleLinkRequest(d.Identity, pkt, from, 500, link.AESCBC)
	if err != nil {
		c.logger.Debug("link request rejected", "error", err)
		return
	}
	l.Attach(c)

	c.linkMu.Lock()
	c.links[l.ID] = l
	c.linkMu.Unlock()
	c.activeMu.Lock()
	c.active[l.ID] = l
	c.activeMu.Unlock()

	l.SetClosedCallback(func(closed *link.Link, reason link.TeardownReason) {
		c.linkMu.Lock()
		delete(c.links, closed.ID)
		c.linkMu.Unlock()
		c.activeMu.Lock()
		delete(c.active, closed.ID)
		c.activeMu.Unlock()
	})

	if err := c.SendPacket(proofPkt, from); err != nil {
		c.logger.Warn("failed to send link proof", "link", l.ID, "error", err)
	}

	// The responder-side handshake completes synchronously (HandleLinkRequest
	// already returns an ACTIVE link), so the destination can wire its
	// per-link handling immediately rather than waiting on a callback.
	d.NotifyLinkEstablished(l)
}

func (c *Context) handleProof(pkt *packet.Packet, from iface.Interface) {
	if pkt.Context == packet.ContextLRProof {
		c.pendingLinkMu.Lock()
		pl, ok := c.pendingLinks[link.ID(pkt.DestinationHash)]
		c.pendingLinkMu.Unlock()
		if ok {
			if err := pl.l.CompleteHandshake(pkt, pl.remoteIdent); err != nil {
				c.logger.Debug("link handshake failed", "link", pl.l.ID, "error", err)
			}
			return
		}
	}

	c.reverseMu.Lock()
	_, hadReverse := c.reverse[pkt.DestinationHash]
	if hadReverse {
		delete(c.reverse, pkt.DestinationHash)
	}
	c.reverseMu.Unlock()

	// A PROOF packet carries the proved packet's truncated hash in its own
	// DestinationHash field (it is never the hash of the proof packet itself,
	// which is a structurally different packet: different Context, Data).
	c.receiptsMu.Lock()
	r, ok := c.receipts[pkt.DestinationHash]
	c.receiptsMu.Unlock()
	if ok && pkt.Context == packet.ContextLinkProof {
		c.destIdentMu.RLock()
		remoteIdent, hasIdent := c.destIdentities[r.DestHash]
		c.destIdentMu.RUnlock()
		if !hasIdent || !remoteIdent.Verify(pkt.DestinationHash[:], pkt.Data) {
			ok = false
		}
	}
	if ok {
		c.receiptsMu.Lock()
		r.Status = ReceiptDelivered
		r.Proved = true
		c.receiptsMu.Unlock()
	}
	if ok && r.DeliveryCallback != nil {
		r.DeliveryCallback(r)
	}

	// Resource-proof routing fix (§4.F): proofs also route to any active
	// link whose link_id matches the packet's destination hash, since a
	// Resource's proof travels back through the link, not the reverse table.
	c.activeMu.RLock()
	l, isLink := c.active[link.ID(pkt.DestinationHash)]
	c.activeMu.RUnlock()
	if isLink {
		_ = l.Receive(pkt.Data, pkt.Context)
	}
}

// maybeForward implements HEADER_2 rewrite-and-forward for packets whose
// destination is not local but for which a path entry exists.
func (c *Context) maybeForward(pkt *packet.Packet, from iface.Interface) {
	destHash := destination.Hash(pkt.DestinationHash)
	c.pathMu.RLock()
	entry, ok := c.path[destHash]
	c.pathMu.RUnlock()
	if !ok {
		return
	}

	c.reverseMu.Lock()
	c.reverse[pkt.TruncatedHash()] = &reverseEntry{receivedFrom: from, sendVia: entry.ReceivingInterface}
	c.reverseMu.Unlock()

	forwarded := *pkt
	forwarded.Hops = pkt.Hops + 1
	forwarded.Flags.HeaderType = packet.Header2
	forwarded.Flags.TransportType = packet.Transport
	forwarded.TransportID = c.transportID

	if err := c.SendPacket(&forwarded, entry.ReceivingInterface); err != nil {
		c.logger.Debug("forward failed", "destination", destHash, "error", err)
	}
}
