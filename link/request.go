package link

import (
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cvsouth/reticulum-go/packet"
)

// ResponseCallback receives the raw msgpack-encoded response body for a
// previously issued Request, or err if the link closed before one arrived.
type ResponseCallback func(data []byte, err error)

// ResourceCallback hands an inbound CONTEXT_RESOURCE/CONTEXT_RESOURCE_ADV
// frame to whatever owns resource reassembly for this link (the resource
// package registers this once a transfer is announced over the link).
type ResourceCallback func(data []byte, ctx packet.Context)

// requestState tracks one outstanding request awaiting its response.
type requestState struct {
	cb ResponseCallback
}

// Requester adds request/response exchange on top of an ACTIVE link: a
// caller issues a msgpack-encoded request and is called back with the
// matching response, correlated by the truncated hash of the request
// frame (mirroring how LRPROOF packets correlate to their LINKREQUEST).
type Requester struct {
	l *Link

	mu      sync.Mutex
	pending map[[16]byte]*requestState

	resourceCB ResourceCallback
	messageCB  PacketCallback
}

// NewRequester wraps an established Link with request/response bookkeeping.
func NewRequester(l *Link) *Requester {
	r := &Requester{l: l, pending: make(map[[16]byte]*requestState)}
	l.SetPacketCallback(r.dispatch)
	return r
}

// SetResourceCallback registers the handler for inbound resource-transfer
// frames (CONTEXT_RESOURCE and friends), letting the resource package hook
// into this link without Requester needing to import it.
func (r *Requester) SetResourceCallback(cb ResourceCallback) { r.resourceCB = cb }

// SetMessageCallback registers the handler for inbound frames carrying any
// context Requester doesn't itself interpret (notably CONTEXT_NONE), so an
// application layer (LXMRouter) can receive plain message frames on a link
// that also has request/response and resource handling active.
func (r *Requester) SetMessageCallback(cb PacketCallback) { r.messageCB = cb }

// Request encodes payload with msgpack, sends it as a CONTEXT_REQUEST
// frame, and arranges for cb to be invoked with the matching CONTEXT_RESPONSE.
func (r *Requester) Request(payload any, cb ResponseCallback) error {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	reqPkt := &packet.Packet{Context: packet.ContextRequest, Data: body}
	reqID := reqPkt.TruncatedHash()

	r.mu.Lock()
	r.pending[reqID] = &requestState{cb: cb}
	r.mu.Unlock()

	// The correlation id travels as a prefix of the frame body so the
	// responder can echo it back in its CONTEXT_RESPONSE frame.
	framed := make([]byte, 0, 16+len(body))
	framed = append(framed, reqID[:]...)
	framed = append(framed, body...)
	return r.l.Send(framed, packet.ContextRequest)
}

// Respond sends a CONTEXT_RESPONSE frame correlated to reqID.
func (r *Requester) Respond(reqID [16]byte, payload any) error {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	framed := make([]byte, 0, 16+len(body))
	framed = append(framed, reqID[:]...)
	framed = append(framed, body...)
	return r.l.Send(framed, packet.ContextResponse)
}

func (r *Requester) dispatch(data []byte, ctx packet.Context) {
	switch ctx {
	case packet.ContextRequest:
		// Inbound requests are exposed to the application via the link's
		// own packet callback chain; Requester only tracks outgoing
		// correlation state, so nothing further happens here beyond
		// letting the frame fall through unclaimed.
	case packet.ContextResponse:
		if len(data) < 16 {
			return
		}
		var reqID [16]byte
		copy(reqID[:], data[:16])
		body := data[16:]

		r.mu.Lock()
		st, ok := r.pending[reqID]
		if ok {
			delete(r.pending, reqID)
		}
		r.mu.Unlock()
		if ok {
			st.cb(body, nil)
		}
	case packet.ContextResourceAdv, packet.ContextResource, packet.ContextResourceReq,
		packet.ContextResourceHMU, packet.ContextResourcePRF, packet.ContextResourceICL,
		packet.ContextResourceRCL:
		if r.resourceCB != nil {
			r.resourceCB(data, ctx)
		}
	default:
		if r.messageCB != nil {
			r.messageCB(data, ctx)
		}
	}
}

// FailPending resolves every outstanding request with err, called once the
// link tears down so callers never wait forever.
func (r *Requester) FailPending(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[[16]byte]*requestState)
	r.mu.Unlock()
	for _, st := range pending {
		st.cb(nil, err)
	}
}
