package transport

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/packet"
)

// AnnounceHandler is the callback shape LXMRouter registers to learn about
// destinations announcing a matching aspect (§4.K "registered announce
// handler filtered to the lxmf.delivery aspect").
type AnnounceHandler func(a *destination.Announce, hops uint8)

// SetAnnounceHandler installs the single subscriber notified of every
// validly newer announce this Context accepts. A real deployment would
// support a list of aspect-filtered subscribers; this core keeps one slot
// and leaves the aspect filter to the subscriber, matching how the single
// LXMRouter instance in cmd/rnsd consumes it.
func (c *Context) SetAnnounceHandler(h AnnounceHandler) {
	c.announceMu.Lock()
	c.announceHandler = h
	c.announceMu.Unlock()
}

func (c *Context) handleAnnounce(pkt *packet.Packet, from iface.Interface) {
	destHash := destination.Hash(pkt.DestinationHash)
	a, err := destination.ParseAnnounce(destHash, pkt.Data, pkt.Flags.ContextFlag)
	if err != nil {
		c.logger.Debug("dropping invalid announce", "destination", destHash, "error", err)
		return
	}

	now := time.Now()
	ts := now.Unix()

	c.pathMu.Lock()
	existing, had := c.path[destHash]
	isNewer := !had || ts > existing.Timestamp
	if isNewer {
		c.path[destHash] = &PathEntry{
			Timestamp:          ts,
			ReceivedFrom:       pkt.DestinationHash,
			Hops:               pkt.Hops,
			Expires:            now.Add(PathEntryTTL),
			ReceivingInterface: from,
			PacketHash:         pkt.Hash(),
		}
	}
	c.pathMu.Unlock()
	if !isNewer {
		return
	}

	c.destIdentMu.Lock()
	c.destIdentities[destHash] = a.Identity
	c.destIdentMu.Unlock()

	if a.Ratchet != nil {
		// The core parses and forwards ratchet bytes transparently; rotation
		// policy is deferred (§9 "Ratchets (deferred)").
		_ = a.Ratchet
	}

	c.enqueueRebroadcast(destHash, pkt.Data, pkt.Flags.ContextFlag, from, pkt.Hops)

	c.localClientsMu.RLock()
	hasLocalClients := len(c.localClients) > 0
	c.localClientsMu.RUnlock()
	if hasLocalClients {
		forwarded := *pkt
		forwarded.Flags.HeaderType = packet.Header2
		forwarded.Flags.TransportType = packet.Transport
		forwarded.TransportID = c.transportID
		if raw, err := forwarded.Pack(packet.DefaultMTU); err == nil {
			c.forwardToLocalClients(raw, from)
		}
	}

	c.announceMu.RLock()
	handler := c.announceHandler
	c.announceMu.RUnlock()
	if handler != nil {
		handler(a, pkt.Hops)
	}
}

func (c *Context) enqueueRebroadcast(destHash destination.Hash, payload []byte, hasRatchet bool, from iface.Interface, hops uint8) {
	select {
	case c.announceQueue <- queuedAnnounce{destHash: destHash, payload: payload, hasRatchet: hasRatchet, receivedVia: from, hops: hops}:
	default:
		c.logger.Debug("announce queue full, dropping rebroadcast", "destination", destHash)
	}
}

// processAnnounceQueueLoop drains queued announces and rebroadcasts each
// to every broadcast-capable interface other than the one it arrived on,
// rate-limited per interface by a token bucket. A rebroadcast is sent as
// soon as it is dequeued, with no randomized delay; an interface over its
// rate limit is skipped for that announce, not retried later.
func (c *Context) processAnnounceQueueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qa := <-c.announceQueue:
			c.rebroadcastOne(qa)
		}
	}
}

func (c *Context) rebroadcastOne(qa queuedAnnounce) {
	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeAnnounce,
			ContextFlag:     qa.hasRatchet,
		},
		DestinationHash: [16]byte(qa.destHash),
		Hops:            qa.hops + 1,
		Data:            qa.payload,
	}
	for _, i := range c.snapshotInterfaces() {
		if i == qa.receivedVia || !i.IsBroadcastCapable() || !i.CanSend() {
			continue
		}
		lim := c.limiterFor(i.Name())
		if !lim.Allow() {
			continue
		}
		if err := c.SendPacket(pkt, i); err != nil {
			c.logger.Debug("announce rebroadcast failed", "interface", i.Name(), "error", err)
		}
	}
}

func (c *Context) limiterFor(ifaceName string) *rate.Limiter {
	c.announceMu.Lock()
	defer c.announceMu.Unlock()
	lim, ok := c.announceLimiters[ifaceName]
	if !ok {
		lim = rate.NewLimiter(AnnounceRebroadcastRate, AnnounceRebroadcastRate*2)
		c.announceLimiters[ifaceName] = lim
	}
	return lim
}

// SendAnnounce implements destination.Sender: it packs the payload into a
// HEADER_1 ANNOUNCE packet and broadcasts it. hasRatchet must be the same
// flag the payload was built with (destination.BuildAnnounce's includeRatchet
// argument), so a receiving ParseAnnounce can tell whether a ratchet field
// is present without guessing from the payload's byte shape.
func (c *Context) SendAnnounce(destHash destination.Hash, payload []byte, hasRatchet bool) error {
	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeAnnounce,
			ContextFlag:     hasRatchet,
		},
		DestinationHash: [16]byte(destHash),
		Data:            payload,
	}
	return c.broadcast(pkt, nil)
}
