// Package transport implements the Reticulum routing core: the path table,
// link table, duplicate-suppressing packet hashlist, reverse table for
// proof correlation, receipts table, and inbound/outbound dispatch that
// ties every Interface to every Link and Destination. Adapted from the
// teacher's directory package (the disk-backed consensus/relay cache that
// fed path selection) and circuit package (per-entity mutex-guarded state,
// ID allocation) — generalized from Tor's 3-hop circuit model to
// Reticulum's single-hop announce/path-table model.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
)

// HashlistMax bounds the packet hashlist's size; eviction is approximate
// LRU via the lru.Cache's own policy (§8 invariant 6).
const HashlistMax = 50_000

// PathEntryTTL is how long an unrefreshed path table entry remains valid.
const PathEntryTTL = 7 * 24 * time.Hour

// AnnounceRebroadcastRate bounds how often this node rebroadcasts
// announces per interface, smoothing gossip storms on shared media.
const AnnounceRebroadcastRate = 2 // announces/sec, steady state

// PathEntry is Transport's route-table record for one destination hash,
// refreshed by each validly newer announce (§3 "PathEntry").
type PathEntry struct {
	Timestamp            int64 // wall-clock seconds, per the announce
	ReceivedFrom         [16]byte
	Hops                 uint8
	Expires              time.Time
	RandomBlobs          [][10]byte
	ReceivingInterface    iface.Interface
	PacketHash           [32]byte
}

// Receipt tracks one outbound packet's delivery lifecycle (§3 "PacketReceipt").
type ReceiptStatus int

const (
	ReceiptSent ReceiptStatus = iota
	ReceiptDelivered
	ReceiptFailed
	ReceiptCulled
)

type Receipt struct {
	// PacketHash is the proved packet's truncated hash (packet.Packet.
	// TruncatedHash), matching what a PROOF packet's 16-byte DestinationHash
	// field can actually carry — not the packet's full 32-byte Hash().
	PacketHash [16]byte
	DestHash   destination.Hash // the destination the proved packet was addressed to, for proof signature verification
	Status     ReceiptStatus
	SentAt     time.Time
	ConcludedAt time.Time
	Proved     bool
	Timeout    time.Duration

	DeliveryCallback func(r *Receipt)
	TimeoutCallback  func(r *Receipt)
}

type reverseEntry struct {
	receivedFrom iface.Interface
	sendVia      iface.Interface
	sentAt       time.Time
}

// Logger is the minimal slog-shaped logging capability Transport needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Context is the Reticulum routing core. One Context instance replaces the
// reference implementation's process-wide Transport singleton (§9
// "Singletons and global state" — model as an explicit value with
// start/stop lifecycle methods, not a global).
type Context struct {
	logger *slog.Logger

	localIdentity *identity.Identity
	transportID   [16]byte

	ifaceMu    sync.RWMutex
	interfaces map[string]iface.Interface

	destMu       sync.RWMutex
	destinations map[destination.Hash]*destination.Destination

	pathMu sync.RWMutex
	path   map[destination.Hash]*PathEntry

	destIdentMu    sync.RWMutex
	destIdentities map[destination.Hash]*identity.Identity

	pendingLinkMu sync.Mutex
	pendingLinks  map[link.ID]*pendingLink

	linkMu sync.RWMutex
	links  map[link.ID]*link.Link

	activeMu sync.RWMutex
	active   map[link.ID]*link.Link

	hashlist *lru.Cache[[32]byte, struct{}]

	reverseMu sync.Mutex
	reverse   map[[16]byte]*reverseEntry

	receiptsMu sync.Mutex
	receipts   map[[16]byte]*Receipt

	announceMu       sync.RWMutex
	announceLimiters map[string]*rate.Limiter
	announceHandler  AnnounceHandler

	announceQueue chan queuedAnnounce

	localClientsMu sync.RWMutex
	localClients   []iface.Interface

	cancel context.CancelFunc
	group  *errgroup.Group
}

type queuedAnnounce struct {
	destHash    destination.Hash
	payload     []byte
	hasRatchet  bool
	receivedVia iface.Interface
	hops        uint8
}

// NewContext constructs a routing core for localIdentity, whose hash
// doubles as this node's transport id attached to HEADER_2 rewrites of
// forwarded packets.
func NewContext(localIdentity *identity.Identity, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hashlist, err := lru.New[[32]byte, struct{}](HashlistMax)
	if err != nil {
		return nil, fmt.Errorf("create packet hashlist: %w", err)
	}

	c := &Context{
		logger:           logger,
		localIdentity:    localIdentity,
		interfaces:       make(map[string]iface.Interface),
		destinations:     make(map[destination.Hash]*destination.Destination),
		path:             make(map[destination.Hash]*PathEntry),
		destIdentities:   make(map[destination.Hash]*identity.Identity),
		pendingLinks:     make(map[link.ID]*pendingLink),
		links:            make(map[link.ID]*link.Link),
		active:           make(map[link.ID]*link.Link),
		hashlist:         hashlist,
		reverse:          make(map[[16]byte]*reverseEntry),
		receipts:         make(map[[16]byte]*Receipt),
		announceLimiters: make(map[string]*rate.Limiter),
		announceQueue:    make(chan queuedAnnounce, 1024),
	}
	h := localIdentity.Hash()
	copy(c.transportID[:], h[:])
	return c, nil
}

// Start launches the announce-processing task and the receipt-timeout
// scanner under ctx. Cancelling ctx brings both to a stop within the <1s
// shutdown budget (§5 "Cancellation semantics").
func (c *Context) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	c.group = g

	g.Go(func() error {
		c.processAnnounceQueueLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.receiptScanLoop(gctx)
		return nil
	})
	return nil
}

// Stop cancels the running tasks and waits for them to exit.
func (c *Context) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		return c.group.Wait()
	}
	return nil
}

// RegisterInterface adds i to this Context and wires its packet callback
// to Inbound. Interfaces marked IsLocalClient are also added to the
// local-client-interfaces list (§4.F) for immediate announce forwarding.
func (c *Context) RegisterInterface(i iface.Interface) {
	c.ifaceMu.Lock()
	c.interfaces[i.Name()] = i
	c.ifaceMu.Unlock()

	if i.IsLocalClient() {
		c.localClientsMu.Lock()
		c.localClients = append(c.localClients, i)
		c.localClientsMu.Unlock()
	}

	i.SetPacketCallback(func(data []byte, from iface.Interface) {
		c.Inbound(data, from)
	})
}

// DeregisterInterface removes i from this Context's bookkeeping.
func (c *Context) DeregisterInterface(i iface.Interface) {
	c.ifaceMu.Lock()
	delete(c.interfaces, i.Name())
	c.ifaceMu.Unlock()

	c.localClientsMu.Lock()
	for idx, lc := range c.localClients {
		if lc == i {
			c.localClients = append(c.localClients[:idx], c.localClients[idx+1:]...)
			break
		}
	}
	c.localClientsMu.Unlock()
}

// RegisterDestination makes d locally addressable: inbound DATA/
// LINKREQUEST packets for d.Hash() are dispatched to it.
func (c *Context) RegisterDestination(d *destination.Destination) {
	c.destMu.Lock()
	defer c.destMu.Unlock()
	c.destinations[d.Hash()] = d
}

func (c *Context) lookupDestination(h destination.Hash) (*destination.Destination, bool) {
	c.destMu.RLock()
	defer c.destMu.RUnlock()
	d, ok := c.destinations[h]
	return d, ok
}

func (c *Context) lookupInterface(name string) (iface.Interface, bool) {
	c.ifaceMu.RLock()
	defer c.ifaceMu.RUnlock()
	i, ok := c.interfaces[name]
	return i, ok
}

func (c *Context) snapshotInterfaces() []iface.Interface {
	c.ifaceMu.RLock()
	defer c.ifaceMu.RUnlock()
	out := make([]iface.Interface, 0, len(c.interfaces))
	for _, i := range c.interfaces {
		out = append(out, i)
	}
	return out
}

// RegisterReceipt tracks r for proof correlation, keyed by its packet hash.
func (c *Context) RegisterReceipt(r *Receipt) {
	c.receiptsMu.Lock()
	defer c.receiptsMu.Unlock()
	c.receipts[r.PacketHash] = r
}

// HasPath reports whether a live (unexpired) path table entry exists for
// destHash.
func (c *Context) HasPath(destHash destination.Hash) bool {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	e, ok := c.path[destHash]
	if !ok {
		return false
	}
	return time.Now().Before(e.Expires)
}

// HopsTo returns the known hop count to destHash, or (0, false) if no path
// is known.
func (c *Context) HopsTo(destHash destination.Hash) (uint8, bool) {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	e, ok := c.path[destHash]
	if !ok || time.Now().After(e.Expires) {
		return 0, false
	}
	return e.Hops, true
}

// RequestPath broadcasts a PLAIN path-request packet for destHash on every
// broadcast-capable interface, asking any node holding a route to
// re-announce it.
func (c *Context) RequestPath(destHash destination.Hash) error {
	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestPlain,
			PacketType:      packet.TypeData,
		},
		DestinationHash: [16]byte(destHash),
		Context:         packet.ContextPathResponse,
	}
	return c.broadcast(pkt, nil)
}

// TrimMemory evicts expired path entries and drops receipts concluded long
// enough ago that retaining them no longer serves proof correlation.
func (c *Context) TrimMemory() {
	now := time.Now()

	c.pathMu.Lock()
	for h, e := range c.path {
		if now.After(e.Expires) {
			delete(c.path, h)
		}
	}
	c.pathMu.Unlock()

	c.receiptsMu.Lock()
	for h, r := range c.receipts {
		if r.Status != ReceiptSent && now.Sub(r.ConcludedAt) > time.Hour {
			delete(c.receipts, h)
		}
	}
	c.receiptsMu.Unlock()

	c.reverseMu.Lock()
	for h, e := range c.reverse {
		if now.Sub(e.sentAt) > time.Hour {
			delete(c.reverse, h)
		}
	}
	c.reverseMu.Unlock()
}

// ClearPacketHashlist empties the duplicate-suppression hashlist. Exists
// for tests only (§4.F "clear_packet_hashlist exists for tests only").
func (c *Context) ClearPacketHashlist() {
	c.hashlist.Purge()
}
