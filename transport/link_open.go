package transport

import (
	"fmt"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
)

// pendingLink tracks an initiator-side Link awaiting its LRPROOF, so
// handleProof can finish the handshake once the matching proof arrives.
type pendingLink struct {
	l             *link.Link
	remoteIdent   *identity.Identity
	onEstablished func(l *link.Link, err error)
}

// OpenLink initiates a Link to destHash, using the remote Identity learned
// from that destination's most recent announce and the interface its path
// table entry arrived on. onEstablished fires exactly once: with the ACTIVE
// link on success, or a non-nil error if no path/identity is known yet or
// the handshake fails.
func (c *Context) OpenLink(destHash destination.Hash, onEstablished func(l *link.Link, err error)) error {
	c.pathMu.RLock()
	entry, hasPath := c.path[destHash]
	c.pathMu.RUnlock()
	if !hasPath {
		return fmt.Errorf("transport: no path to %s", destHash)
	}

	c.destIdentMu.RLock()
	remoteIdent, hasIdent := c.destIdentities[destHash]
	c.destIdentMu.RUnlock()
	if !hasIdent {
		return fmt.Errorf("transport: no remote identity known for %s", destHash)
	}

	l, reqPkt, err := link.BuildLinkRequest(c.localIdentity, [16]byte(destHash), entry.ReceivingInterface, packet.DefaultMTU, link.AESCBC)
	if err != nil {
		return fmt.Errorf("build link request: %w", err)
	}
	l.Attach(c)

	c.pendingLinkMu.Lock()
	c.pendingLinks[l.ID] = &pendingLink{l: l, remoteIdent: remoteIdent, onEstablished: onEstablished}
	c.pendingLinkMu.Unlock()

	c.linkMu.Lock()
	c.links[l.ID] = l
	c.linkMu.Unlock()

	l.SetEstablishedCallback(func(established *link.Link) {
		c.activeMu.Lock()
		c.active[established.ID] = established
		c.activeMu.Unlock()
		c.pendingLinkMu.Lock()
		delete(c.pendingLinks, established.ID)
		c.pendingLinkMu.Unlock()
		if onEstablished != nil {
			onEstablished(established, nil)
		}
	})
	l.SetClosedCallback(func(closed *link.Link, reason link.TeardownReason) {
		c.linkMu.Lock()
		delete(c.links, closed.ID)
		c.linkMu.Unlock()
		c.activeMu.Lock()
		delete(c.active, closed.ID)
		c.activeMu.Unlock()
		c.pendingLinkMu.Lock()
		_, stillPending := c.pendingLinks[closed.ID]
		delete(c.pendingLinks, closed.ID)
		c.pendingLinkMu.Unlock()
		if stillPending && onEstablished != nil {
			onEstablished(nil, fmt.Errorf("link closed before handshake completed: %v", reason))
		}
	})

	if err := c.SendPacket(reqPkt, entry.ReceivingInterface); err != nil {
		c.pendingLinkMu.Lock()
		delete(c.pendingLinks, l.ID)
		c.pendingLinkMu.Unlock()
		return fmt.Errorf("send link request: %w", err)
	}
	return nil
}
