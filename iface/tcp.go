package iface

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxFrameLen bounds a single length-prefixed frame read from the wire,
// mirroring the teacher's MaxVarPayloadLen safety cap on variable-length
// cells (cell.MaxVarPayloadLen in tor-go).
const maxFrameLen = 64 * 1024

// TCPInterface is the repo's one concrete Interface implementation: a
// reference point-to-point transport over net.Conn with a simple 4-byte
// big-endian length-prefix framing. Real deployments plug in TCP/UDP/I2P/
// BLE/LoRa transports that apply their own framing (§6); this one exists
// so cmd/rnsd and the test suite can exercise the full stack over a real
// socket, the way cmd/tor-client exercises the Tor stack over TLS.
type TCPInterface struct {
	name    string
	conn    net.Conn
	br      *bufio.Reader
	logger  *slog.Logger
	wmu     sync.Mutex // serializes writes — ordering guarantee §5(a)
	handler PacketHandler

	online   atomic.Bool
	detached atomic.Bool

	hwmtu                     int
	bitrate                   int
	broadcastCapable          bool
	localClient               bool
	supportsLinkMTUDiscovery  bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// DialTCP connects to addr and returns a ready (but not yet Start'd)
// client-role TCPInterface.
func DialTCP(name, addr string, logger *slog.Logger) (*TCPInterface, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := newTCPInterface(name, conn, logger)
	t.broadcastCapable = true
	return t, nil
}

// NewSpawnedTCPInterface wraps an already-accepted connection, as a TCP
// listener spawns one child interface per incoming client (§6 "Spawned
// child interfaces ... report to a parent interface").
func NewSpawnedTCPInterface(parentName string, conn net.Conn, logger *slog.Logger) *TCPInterface {
	if logger == nil {
		logger = slog.Default()
	}
	t := newTCPInterface(fmt.Sprintf("%s/%s", parentName, conn.RemoteAddr()), conn, logger)
	t.broadcastCapable = true
	t.localClient = true
	return t
}

func newTCPInterface(name string, conn net.Conn, logger *slog.Logger) *TCPInterface {
	t := &TCPInterface{
		name:                     name,
		conn:                     conn,
		br:                       bufio.NewReader(conn),
		logger:                   logger,
		hwmtu:                    maxFrameLen,
		bitrate:                  10_000_000,
		supportsLinkMTUDiscovery: false,
	}
	t.online.Store(true)
	return t
}

func (t *TCPInterface) Name() string { return t.name }

func (t *TCPInterface) SetPacketCallback(h PacketHandler) { t.handler = h }

func (t *TCPInterface) Online() bool    { return t.online.Load() }
func (t *TCPInterface) Detached() bool  { return t.detached.Load() }
func (t *TCPInterface) Bitrate() int    { return t.bitrate }
func (t *TCPInterface) HWMTU() int      { return t.hwmtu }
func (t *TCPInterface) CanReceive() bool { return t.online.Load() }
func (t *TCPInterface) CanSend() bool    { return t.online.Load() }
func (t *TCPInterface) SupportsLinkMTUDiscovery() bool { return t.supportsLinkMTUDiscovery }
func (t *TCPInterface) IsLocalClient() bool      { return t.localClient }
func (t *TCPInterface) IsBroadcastCapable() bool { return t.broadcastCapable }

// Start launches the read loop under ctx. It returns immediately; the read
// loop runs until ctx is cancelled or the connection errors. A cancellation
// is logged at debug level only (offline); any other failure is logged as a
// warning (§7 "Transport"
// error kind) and does not propagate beyond this interface (§5 "Sibling
// interfaces are isolated").
func (t *TCPInterface) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	t.group = g

	g.Go(func() error {
		<-gctx.Done()
		_ = t.conn.Close()
		return nil
	})
	g.Go(func() error {
		t.readLoop(gctx)
		return nil
	})
	return nil
}

func (t *TCPInterface) readLoop(ctx context.Context) {
	for {
		frame, err := readFrame(t.br)
		if err != nil {
			t.online.Store(false)
			select {
			case <-ctx.Done():
				t.logger.Debug("interface read loop cancelled", "interface", t.name)
			default:
				t.logger.Warn("interface read error", "interface", t.name, "error", err)
			}
			return
		}
		if t.handler != nil {
			t.handler(frame, t)
		}
	}
}

// Detach stops the interface outside of parent-scope cancellation.
func (t *TCPInterface) Detach() error {
	if t.detached.Swap(true) {
		return nil
	}
	t.online.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	return t.conn.Close()
}

// ProcessOutgoing frames data with a 4-byte big-endian length prefix and
// writes it. The write lock ensures frames from concurrent callers never
// interleave on the wire (§5 "Packets written to an interface appear on
// the wire in submission order").
func (t *TCPInterface) ProcessOutgoing(data []byte) error {
	if len(data) > maxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds max %d", len(data), maxFrameLen)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if !t.online.Load() {
		return fmt.Errorf("interface %s is offline", t.name)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := t.conn.Write(hdr[:]); err != nil {
		t.online.Store(false)
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := t.conn.Write(data); err != nil {
		t.online.Store(false)
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("frame of %d bytes exceeds max %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return buf, nil
}

// TCPListener accepts incoming connections and spawns a child
// TCPInterface per client, notifying onAccept (typically
// Transport.RegisterInterface followed by Start).
type TCPListener struct {
	name     string
	listener net.Listener
	logger   *slog.Logger
	onAccept func(*TCPInterface)
}

// ListenTCP starts listening on addr.
func ListenTCP(name, addr string, logger *slog.Logger, onAccept func(*TCPInterface)) (*TCPListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{name: name, listener: ln, logger: logger, onAccept: onAccept}, nil
}

// Serve accepts connections until ctx is cancelled.
func (l *TCPListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.listener.Close()
	}()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		child := NewSpawnedTCPInterface(l.name, conn, l.logger)
		l.onAccept(child)
	}
}

func (l *TCPListener) Close() error { return l.listener.Close() }
