package lxmf

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/link"
	"github.com/cvsouth/reticulum-go/packet"
	"github.com/cvsouth/reticulum-go/resource"
	"github.com/cvsouth/reticulum-go/transport"
)

// Exact constants for the OPPORTUNISTIC delivery strategy (§4.K, must match
// reference).
const (
	MaxDeliveryAttempts = 5
	MaxPathlessTries    = 1
	DeliveryRetryWait   = 10 * time.Second
	PathRequestWait     = 7 * time.Second
)

// DefaultStampCost is used for a PROPAGATED message when no announce from
// the propagation node has advertised a stamp_cost yet.
const DefaultStampCost = 8

// lxmfDeliveryNameHash is the identity-independent half of every
// lxmf.delivery destination hash, precomputed once so the announce handler
// can filter by a simple comparison instead of recomputing it per announce.
var lxmfDeliveryNameHash = destination.NameHash("lxmf", []string{"delivery"})

// Logger is the minimal slog-shaped logging capability Router needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// deliveryState tracks one message's progress through whichever strategy
// its Method selects. Every field but msg/method/destHash/src is mutated
// only while holding mu, since callbacks from link establishment, resource
// proofs, and stamp generation all run on goroutines other than the
// outbound processor's.
type deliveryState struct {
	mu sync.Mutex

	msg      *Message
	method   Method
	destHash [16]byte
	src      *identity.Identity

	attempts            int
	nextDeliveryAttempt time.Time

	link            *link.Link
	linkPending     bool
	stampGenerating bool
}

// Router is the LXMRouter: owns the pending_outbound list, the
// delivery_destinations table, the outbound_stamp_costs cache, and a
// registered announce handler filtered to the lxmf.delivery aspect (§4.K).
type Router struct {
	logger    Logger
	transport *transport.Context
	local     *identity.Identity

	mu              sync.Mutex
	pendingOutbound []*deliveryState

	deliveryMu           sync.RWMutex
	deliveryDestinations map[[16]byte]*destination.Destination

	identMu    sync.RWMutex
	identities map[[16]byte]*identity.Identity

	stampCostMu        sync.RWMutex
	outboundStampCosts map[[16]byte]int

	propMu          sync.RWMutex
	propagationNode *[16]byte

	messageReceivedCB func(m *Message)

	wake   chan struct{}
	cancel context.CancelFunc
}

// NewRouter constructs a Router bound to t, registering its announce
// handler immediately. local is stored on the Router; every outbound
// message, PROPAGATED ones included, is signed with the per-message source
// identity callers pass to HandleOutbound.
func NewRouter(t *transport.Context, local *identity.Identity, logger Logger) *Router {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Router{
		logger:               logger,
		transport:            t,
		local:                local,
		deliveryDestinations: make(map[[16]byte]*destination.Destination),
		identities:           make(map[[16]byte]*identity.Identity),
		outboundStampCosts:   make(map[[16]byte]int),
		wake:                 make(chan struct{}, 1),
	}
	t.SetAnnounceHandler(r.handleAnnounce)
	return r
}

// Start launches the outbound processor under ctx.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.processLoop(ctx)
}

// Stop halts the outbound processor.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// SetPropagationNode configures the destination PROPAGATED messages are
// submitted to.
func (r *Router) SetPropagationNode(destHash [16]byte) {
	r.propMu.Lock()
	r.propagationNode = &destHash
	r.propMu.Unlock()
}

// SetMessageReceivedCallback registers the handler invoked for every
// inbound LXMF message this router accepts and verifies, whether it
// arrived as a single opportunistic packet or over a Link.
func (r *Router) SetMessageReceivedCallback(cb func(m *Message)) {
	r.messageReceivedCB = cb
}

// RegisterDeliveryIdentity creates and registers the local lxmf.delivery
// destination bound to id, wiring both inbound opportunistic single-packet
// messages and inbound Links (DIRECT delivery) into message verification
// and delivery.
func (r *Router) RegisterDeliveryIdentity(id *identity.Identity) *destination.Destination {
	d := destination.New(id, destination.In, destination.Single, "lxmf", "delivery")
	d.AcceptLinks = true
	d.SetPacketCallback(r.handleOpportunisticPacket)
	d.SetLinkEstablishedCallback(r.handleInboundLink)
	r.transport.RegisterDestination(d)

	r.deliveryMu.Lock()
	r.deliveryDestinations[[16]byte(d.Hash())] = d
	r.deliveryMu.Unlock()
	return d
}

// Lookup implements IdentityLookup, resolving a message's source
// destination hash to the Identity this router learned from a matching
// lxmf.delivery announce.
func (r *Router) Lookup(destHash [16]byte) (*identity.Identity, bool) {
	r.identMu.RLock()
	defer r.identMu.RUnlock()
	id, ok := r.identities[destHash]
	return id, ok
}

func (r *Router) handleOpportunisticPacket(data []byte, _ [32]byte) {
	m, err := Unpack(data, r)
	if err != nil {
		r.logger.Debug("dropping unverifiable opportunistic lxmf message", "error", err)
		return
	}
	r.deliverInbound(m)
}

// handleInboundLink wires a freshly established inbound Link into both
// plain-message delivery (CONTEXT_NONE, for payloads at or under the
// single-delivery threshold) and Resource-based delivery for larger ones.
func (r *Router) handleInboundLink(l *link.Link) {
	req := link.NewRequester(l)
	req.SetMessageCallback(func(data []byte, ctx packet.Context) {
		if ctx != packet.ContextNone {
			return
		}
		m, err := Unpack(data, r)
		if err != nil {
			r.logger.Debug("dropping unverifiable lxmf message", "error", err)
			return
		}
		r.deliverInbound(m)
	})

	res := resource.NewManager(l, req)
	res.SetCompleteCallback(func(_ resource.ID, data []byte, err error) {
		if err != nil {
			r.logger.Debug("resource transfer for inbound lxmf message failed", "error", err)
			return
		}
		m, uerr := Unpack(data, r)
		if uerr != nil {
			r.logger.Debug("dropping unverifiable lxmf message", "error", uerr)
			return
		}
		r.deliverInbound(m)
	})
}

func (r *Router) deliverInbound(m *Message) {
	m.State = Delivered
	if r.messageReceivedCB != nil {
		r.messageReceivedCB(m)
	}
}

// handleAnnounce is the registered announce handler, filtered to the
// lxmf.delivery aspect (§4.K). It learns the announcing peer's Identity and
// advertised stamp_cost, then wakes any pending message addressed to it.
func (r *Router) handleAnnounce(a *destination.Announce, _ uint8) {
	if a.NameHash != lxmfDeliveryNameHash {
		return
	}
	destHash := [16]byte(a.DestinationHash)

	r.identMu.Lock()
	r.identities[destHash] = a.Identity
	r.identMu.Unlock()

	if cost, ok := parseStampCost(a.AppData); ok {
		r.stampCostMu.Lock()
		r.outboundStampCosts[destHash] = cost
		r.stampCostMu.Unlock()
	}

	r.wakePending(destHash)
}

// parseStampCost reads a one-byte stamp_cost advertisement from an
// lxmf.delivery announce's app_data — the minimal encoding this core
// produces and expects.
func parseStampCost(appData []byte) (int, bool) {
	if len(appData) < 1 {
		return 0, false
	}
	return int(appData[0]), true
}

func (r *Router) stampCostFor(destHash [16]byte) int {
	r.stampCostMu.RLock()
	defer r.stampCostMu.RUnlock()
	if c, ok := r.outboundStampCosts[destHash]; ok {
		return c
	}
	return DefaultStampCost
}

// HandleOutbound is the outbound entry point (§4.K "handle_outbound(msg)
// sets state OUTBOUND, enqueues, and kicks the outbound processor"). src
// signs the message once a strategy actually transmits it; callers must
// set msg.Method and any delivery/failed callbacks before calling this.
func (r *Router) HandleOutbound(msg *Message, src *identity.Identity) {
	msg.State = Outbound
	ds := &deliveryState{
		msg:                 msg,
		method:              msg.Method,
		destHash:            msg.DestHash,
		src:                 src,
		nextDeliveryAttempt: time.Now(),
	}
	r.mu.Lock()
	r.pendingOutbound = append(r.pendingOutbound, ds)
	r.mu.Unlock()
	r.kick()
}

func (r *Router) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// wakePending sets next_delivery_attempt = now for every pending message
// addressed to destHash, the announce-handler wake-up rule that makes
// queued-then-announced delivery work for DIRECT and OPPORTUNISTIC.
func (r *Router) wakePending(destHash [16]byte) {
	r.mu.Lock()
	snapshot := append([]*deliveryState(nil), r.pendingOutbound...)
	r.mu.Unlock()

	now := time.Now()
	woke := false
	for _, ds := range snapshot {
		if ds.destHash != destHash {
			continue
		}
		if ds.method != Direct && ds.method != Opportunistic {
			continue
		}
		ds.mu.Lock()
		ds.nextDeliveryAttempt = now
		ds.mu.Unlock()
		woke = true
	}
	if woke {
		r.kick()
	}
}

func (r *Router) processLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.processPending()
		case <-ticker.C:
			r.processPending()
		}
	}
}

func (r *Router) processPending() {
	r.mu.Lock()
	snapshot := append([]*deliveryState(nil), r.pendingOutbound...)
	r.mu.Unlock()

	now := time.Now()
	for _, ds := range snapshot {
		switch ds.method {
		case Direct:
			r.stepDirect(ds)
		case Opportunistic:
			r.stepOpportunistic(ds, now)
		case Propagated:
			r.stepPropagated(ds)
		}
	}

	r.mu.Lock()
	filtered := r.pendingOutbound[:0]
	for _, ds := range r.pendingOutbound {
		ds.mu.Lock()
		terminal := ds.msg.State == Delivered || ds.msg.State == Failed || ds.msg.State == Sent
		ds.mu.Unlock()
		if !terminal {
			filtered = append(filtered, ds)
		}
	}
	r.pendingOutbound = filtered
	r.mu.Unlock()
}

// stepDirect implements §4.K's DIRECT strategy: request a path if none is
// known, open a Link once one is, then send over the ACTIVE link.
func (r *Router) stepDirect(ds *deliveryState) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.msg.State == Delivered || ds.msg.State == Failed {
		return
	}
	if ds.link != nil {
		if ds.link.State() == link.Active && ds.msg.State == Outbound {
			r.sendOverLinkLocked(ds, Delivered)
		}
		return
	}
	if ds.linkPending {
		return
	}
	if !r.transport.HasPath(destination.Hash(ds.destHash)) {
		_ = r.transport.RequestPath(destination.Hash(ds.destHash))
		return
	}

	ds.linkPending = true
	destHash := ds.destHash
	// The link result is handled on its own goroutine: the handshake can
	// complete inside OpenLink itself, while ds.mu is still held here.
	if err := r.transport.OpenLink(destination.Hash(destHash), func(l *link.Link, err error) {
		go r.onLinkResult(ds, l, err)
	}); err != nil {
		ds.linkPending = false
		r.logger.Debug("direct link open failed", "destination", fmt.Sprintf("%x", destHash), "error", err)
	}
}

func (r *Router) onLinkResult(ds *deliveryState, l *link.Link, err error) {
	ds.mu.Lock()
	ds.linkPending = false
	if err != nil {
		ds.msg.State = Failed
		ds.mu.Unlock()
		r.fireFailed(ds.msg)
		return
	}
	ds.link = l
	ds.mu.Unlock()
	r.kick()
}

// sendOverLinkLocked packs and transmits msg over ds.link, sized to either
// a single CONTEXT_NONE frame or a Resource transfer per
// SingleDeliveryThreshold. Caller must hold ds.mu.
func (r *Router) sendOverLinkLocked(ds *deliveryState, terminalState State) {
	wire, err := Pack(ds.msg, ds.src)
	if err != nil {
		ds.msg.State = Failed
		r.fireFailed(ds.msg)
		return
	}
	ds.msg.State = Sending
	l := ds.link

	if len(wire) <= SingleDeliveryThreshold {
		if err := l.Send(wire, packet.ContextNone); err != nil {
			ds.msg.State = Failed
			r.fireFailed(ds.msg)
			return
		}
		// A plain link frame carries no end-to-end delivery proof in this
		// core; send success is treated as delivery for small messages,
		// the larger Resource-backed path below is what actually proves
		// receipt.
		ds.msg.State = terminalState
		r.fireTerminal(ds.msg, terminalState)
		return
	}

	req := link.NewRequester(l)
	res := resource.NewManager(l, req)
	_, err = res.Send(wire, func(ok bool) {
		ds.mu.Lock()
		if ok {
			ds.msg.State = terminalState
		} else {
			ds.msg.State = Failed
		}
		ds.mu.Unlock()
		if ok {
			r.fireTerminal(ds.msg, terminalState)
		} else {
			r.fireFailed(ds.msg)
		}
	})
	if err != nil {
		ds.msg.State = Failed
		r.fireFailed(ds.msg)
	}
}

func (r *Router) fireFailed(m *Message) {
	if m.FailedCallback != nil {
		cb := m.FailedCallback
		go cb(m)
	}
}

// fireTerminal fires the delivery callback only for the DELIVERED state —
// PROPAGATED's SENT terminal state deliberately does not (§4.K "callback
// fires on DELIVERED, not SENT").
func (r *Router) fireTerminal(m *Message, state State) {
	if state == Delivered && m.DeliveryCallback != nil {
		cb := m.DeliveryCallback
		go cb(m)
	}
}

// stepOpportunistic implements §4.K's OPPORTUNISTIC strategy: bounded
// pathless sends, a path-request escalation, and a hard attempt cap. The
// escalation for a destination that already has a path sends a new path
// request but keeps the existing path table entry; it is not dropped.
func (r *Router) stepOpportunistic(ds *deliveryState, now time.Time) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.msg.State == Delivered || ds.msg.State == Failed {
		return
	}
	if now.Before(ds.nextDeliveryAttempt) {
		return
	}

	hasPath := r.transport.HasPath(destination.Hash(ds.destHash))
	switch {
	case ds.attempts >= MaxPathlessTries && !hasPath:
		_ = r.transport.RequestPath(destination.Hash(ds.destHash))
		ds.nextDeliveryAttempt = now.Add(PathRequestWait)
		ds.attempts++
	case ds.attempts == MaxPathlessTries+1 && hasPath:
		_ = r.transport.RequestPath(destination.Hash(ds.destHash))
		ds.nextDeliveryAttempt = now.Add(PathRequestWait)
		ds.attempts++
	default:
		ds.attempts++
		ds.nextDeliveryAttempt = now.Add(DeliveryRetryWait)
		r.sendOpportunisticPacketLocked(ds)
	}

	if ds.attempts > MaxDeliveryAttempts {
		ds.msg.State = Failed
		r.fireFailed(ds.msg)
	}
}

// sendOpportunisticPacketLocked encrypts msg directly to the destination's
// known Identity and hands it to Transport as a single packet. Caller must
// hold ds.mu.
func (r *Router) sendOpportunisticPacketLocked(ds *deliveryState) {
	r.identMu.RLock()
	remoteIdent, ok := r.identities[ds.destHash]
	r.identMu.RUnlock()
	if !ok {
		return
	}

	wire, err := Pack(ds.msg, ds.src)
	if err != nil {
		r.logger.Debug("pack opportunistic message failed", "error", err)
		return
	}
	ciphertext, err := remoteIdent.Encrypt(wire)
	if err != nil {
		r.logger.Debug("encrypt opportunistic message failed", "error", err)
		return
	}

	pkt := &packet.Packet{
		Flags: packet.Flags{
			HeaderType:      packet.Header1,
			TransportType:   packet.Broadcast,
			DestinationType: packet.DestSingle,
			PacketType:      packet.TypeData,
		},
		DestinationHash: ds.destHash,
		Context:         packet.ContextNone,
		Data:            ciphertext,
	}
	ds.msg.State = Sending

	// A remote lxmf.delivery destination isn't required to set ProveAll, so
	// a DATA packet sent here may get no PROOF back; send success is then
	// the only observable outcome, treated as delivered (§8 S3 "either
	// SENT ... or DELIVERED"). The receipt callback runs on its own
	// goroutine, since a PROOF can arrive while ds.mu is still held here;
	// it marks the message DELIVERED and fires the delivery callback only
	// if the message is not DELIVERED already, so that callback fires once.
	sent, _ := r.transport.OutboundWithCallbacks(pkt, DeliveryRetryWait, func(*transport.Receipt) {
		go func() {
			ds.mu.Lock()
			already := ds.msg.State == Delivered
			ds.msg.State = Delivered
			ds.mu.Unlock()
			if !already {
				r.fireTerminal(ds.msg, Delivered)
			}
		}()
	}, nil)
	if !sent {
		ds.msg.State = Outbound
		return
	}
	ds.msg.State = Delivered
	r.fireTerminal(ds.msg, Delivered)
}

// stepPropagated implements §4.K's PROPAGATED strategy: generate a stamp
// meeting the propagation node's advertised cost if msg doesn't carry one,
// then deliver exactly like DIRECT but conclude at SENT rather than
// DELIVERED.
func (r *Router) stepPropagated(ds *deliveryState) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.msg.State == Sent || ds.msg.State == Failed {
		return
	}

	r.propMu.RLock()
	node := r.propagationNode
	r.propMu.RUnlock()
	if node == nil {
		ds.msg.State = Failed
		r.fireFailed(ds.msg)
		return
	}

	if len(ds.msg.Stamp) == 0 {
		if !ds.stampGenerating {
			messageID, err := ds.msg.Hash()
			if err != nil {
				ds.msg.State = Failed
				r.fireFailed(ds.msg)
				return
			}
			ds.stampGenerating = true
			cost := r.stampCostFor(*node)
			go r.generateStampAsync(ds, messageID, cost)
		}
		return
	}

	if ds.link != nil {
		if ds.link.State() == link.Active && ds.msg.State == Outbound {
			r.sendOverLinkLocked(ds, Sent)
		}
		return
	}
	if ds.linkPending {
		return
	}
	if !r.transport.HasPath(destination.Hash(*node)) {
		_ = r.transport.RequestPath(destination.Hash(*node))
		return
	}

	ds.linkPending = true
	nodeHash := *node
	if err := r.transport.OpenLink(destination.Hash(nodeHash), func(l *link.Link, err error) {
		go r.onLinkResult(ds, l, err)
	}); err != nil {
		ds.linkPending = false
	}
}

func (r *Router) generateStampAsync(ds *deliveryState, messageID [32]byte, cost int) {
	workblock, err := GenerateWorkblock(messageID[:], StampExpandRoundsPropagation)
	if err != nil {
		r.logger.Debug("generate workblock failed", "error", err)
		ds.mu.Lock()
		ds.stampGenerating = false
		ds.mu.Unlock()
		return
	}
	stamp, err := GenerateStamp(workblock, cost, runtime.NumCPU(), nil)
	ds.mu.Lock()
	ds.stampGenerating = false
	if err == nil {
		ds.msg.Stamp = stamp
	} else {
		r.logger.Debug("generate stamp failed", "error", err)
	}
	ds.mu.Unlock()
	r.kick()
}
