package transport

import (
	"fmt"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/packet"
)

// SendPacket packs pkt and writes it to via. It implements link.OutboundSender
// so an ACTIVE Link can hand Transport its framed DATA packets without
// importing this package (§9 "index + handle").
func (c *Context) SendPacket(pkt *packet.Packet, via iface.Interface) error {
	if via == nil {
		return c.broadcast(pkt, nil)
	}
	raw, err := pkt.Pack(via.HWMTU())
	if err != nil {
		return fmt.Errorf("pack packet: %w", err)
	}
	return via.ProcessOutgoing(raw)
}

// Outbound is the router/link-facing entry point: given a packet bound for
// destHash, pick an interface per §4.F's outbound-selection rule (known
// path via HEADER_2, else broadcast) and send it. Returns false (not an
// error) when nothing could be done — callers fall back to queuing a path
// request, matching the reference's boolean outbound() contract.
func (c *Context) Outbound(pkt *packet.Packet, createReceipt bool, timeout time.Duration) (bool, *Receipt) {
	return c.outbound(pkt, createReceipt, timeout, nil, nil)
}

// OutboundWithCallbacks mirrors Outbound but wires the delivery/timeout
// callbacks onto the Receipt before it is registered, so neither the
// receipt-timeout scanner nor an inbound PROOF can observe the receipt
// before its callbacks exist (LXMRouter's opportunistic strategy needs
// this to attach its per-message delivery callback race-free).
func (c *Context) OutboundWithCallbacks(pkt *packet.Packet, timeout time.Duration, onDelivered, onTimeout func(r *Receipt)) (bool, *Receipt) {
	return c.outbound(pkt, true, timeout, onDelivered, onTimeout)
}

func (c *Context) outbound(pkt *packet.Packet, createReceipt bool, timeout time.Duration, onDelivered, onTimeout func(r *Receipt)) (bool, *Receipt) {
	destHash := destination.Hash(pkt.DestinationHash)

	c.pathMu.RLock()
	entry, hasPath := c.path[destHash]
	c.pathMu.RUnlock()

	if hasPath {
		pkt.Flags.HeaderType = packet.Header2
		pkt.Flags.TransportType = packet.Transport
		pkt.TransportID = c.transportID
	}

	// The receipt is registered before the packet leaves, so a PROOF that
	// arrives while the send is still in progress finds it.
	var r *Receipt
	if createReceipt {
		r = &Receipt{
			PacketHash:       pkt.TruncatedHash(),
			DestHash:         destHash,
			Status:           ReceiptSent,
			SentAt:           time.Now(),
			Timeout:          timeout,
			DeliveryCallback: onDelivered,
			TimeoutCallback:  onTimeout,
		}
		c.RegisterReceipt(r)
	}

	var sendErr error
	if hasPath {
		sendErr = c.SendPacket(pkt, entry.ReceivingInterface)
	} else {
		sendErr = c.broadcast(pkt, nil)
	}
	if sendErr != nil {
		if r != nil {
			c.receiptsMu.Lock()
			delete(c.receipts, r.PacketHash)
			c.receiptsMu.Unlock()
		}
		c.logger.Debug("outbound send failed", "destination", destHash, "error", sendErr)
		return false, nil
	}
	return true, r
}

// broadcast writes pkt, HEADER_1, to every broadcast-capable interface
// except exclude.
func (c *Context) broadcast(pkt *packet.Packet, exclude iface.Interface) error {
	pkt.Flags.HeaderType = packet.Header1
	var lastErr error
	sent := false
	for _, i := range c.snapshotInterfaces() {
		if i == exclude || !i.IsBroadcastCapable() || !i.CanSend() {
			continue
		}
		if err := c.SendPacket(pkt, i); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent && lastErr != nil {
		return lastErr
	}
	if !sent {
		return fmt.Errorf("no broadcast-capable interface available")
	}
	return nil
}

// forwardToLocalClients immediately forwards data to every local-client
// interface (§4.F "BROADCAST PLAIN ... forward to all local clients").
func (c *Context) forwardToLocalClients(data []byte, exclude iface.Interface) {
	c.localClientsMu.RLock()
	clients := append([]iface.Interface(nil), c.localClients...)
	c.localClientsMu.RUnlock()
	for _, lc := range clients {
		if lc == exclude {
			continue
		}
		if err := lc.ProcessOutgoing(data); err != nil {
			c.logger.Debug("local client forward failed", "interface", lc.Name(), "error", err)
		}
	}
}
