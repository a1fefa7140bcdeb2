// Package iface defines the abstract Interface contract (§6): the boundary
// between Transport's routing core and concrete link-layer transports
// (TCP, UDP, I2P, BLE, LoRa). Concrete transports beyond the minimal TCP
// reference implementation in this package are out of scope (§1) — they
// are external collaborators supplied by the host application.
package iface

import "context"

// PacketHandler receives framed packet bytes read from an Interface, along
// with the Interface they arrived on.
type PacketHandler func(data []byte, from Interface)

// Interface is the contract Transport uses to send and receive framed
// bytes over a concrete link-layer transport. Implementations apply their
// own framing (HDLC/KISS or otherwise) and must honor one in-flight write
// at a time (§6).
type Interface interface {
	// Name identifies this interface for logging and path-table bookkeeping.
	Name() string

	// Start begins the interface's read loop under the given parent scope.
	// Cancelling ctx must bring the interface to a full stop within 1
	// second (§5 "Cancellation semantics").
	Start(ctx context.Context) error

	// Detach stops the interface outside of parent-scope cancellation
	// (e.g. a user-initiated disconnect). Idempotent.
	Detach() error

	// ProcessOutgoing frames and writes data. Blocking; callers should not
	// assume a bounded latency beyond the interface's own tx queue depth.
	ProcessOutgoing(data []byte) error

	// SetPacketCallback registers the handler invoked for each inbound
	// frame. Must be called before Start.
	SetPacketCallback(h PacketHandler)

	// Online reports whether the interface currently believes its
	// transport is usable.
	Online() bool

	// Detached reports whether Detach has been called.
	Detached() bool

	Bitrate() int
	HWMTU() int
	SupportsLinkMTUDiscovery() bool
	CanReceive() bool
	CanSend() bool

	// IsLocalClient marks interfaces that represent a locally attached
	// client of a shared Transport instance (§4.F "local client interfaces
	// list"); announces are forwarded to these immediately rather than
	// only via the rebroadcast queue.
	IsLocalClient() bool

	// IsBroadcastCapable marks interfaces eligible for HEADER_1 broadcast
	// of packets with no known path.
	IsBroadcastCapable() bool
}

// IFACCredentials derives per-network authentication material from a
// network name and passphrase, as real Reticulum interfaces do to gate
// which peers may exchange framed bytes on a shared medium (e.g. a LoRa
// channel). Interfaces that don't need IFAC (point-to-point TCP) may
// ignore this.
type IFACCredentials struct {
	NetworkName string
	Passphrase  string
}
