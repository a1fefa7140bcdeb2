// Command rnsd runs a minimal Reticulum node: it brings up a TCP interface,
// the Transport routing core, a local lxmf.delivery destination, and an
// LXMRouter, then announces and waits for peers. It exists to exercise the
// stack end-to-end the way cmd/tor-client exercises the Tor stack.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cvsouth/reticulum-go/destination"
	"github.com/cvsouth/reticulum-go/iface"
	"github.com/cvsouth/reticulum-go/identity"
	"github.com/cvsouth/reticulum-go/lxmf"
	"github.com/cvsouth/reticulum-go/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:4242", "address to listen on")
	peerAddr := flag.String("peer", "", "address of a peer to dial (optional)")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Reticulum Go node %s ===\n", Version)

	localIdentity, err := identity.New()
	if err != nil {
		fmt.Printf("failed to generate identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Local identity: %s\n", hex.EncodeToString(localIdentity.Hash()[:]))

	t, err := transport.NewContext(localIdentity, logger)
	if err != nil {
		fmt.Printf("failed to create transport context: %v\n", err)
		os.Exit(1)
	}

	router := lxmf.NewRouter(t, localIdentity, logger)
	router.SetMessageReceivedCallback(func(m *lxmf.Message) {
		fmt.Printf("received message from %x: %s\n", m.SrcHash, string(m.Content))
	})

	deliveryDest := router.RegisterDeliveryIdentity(localIdentity)
	fmt.Printf("lxmf.delivery destination: %s\n", deliveryDest.Hash())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := t.Start(ctx); err != nil {
		fmt.Printf("failed to start transport: %v\n", err)
		os.Exit(1)
	}
	router.Start(ctx)

	ln, err := iface.ListenTCP("tcp0", *listenAddr, logger, func(child *iface.TCPInterface) {
		t.RegisterInterface(child)
		if err := child.Start(ctx); err != nil {
			logger.Warn("spawned interface failed to start", "error", err)
		}
	})
	if err != nil {
		fmt.Printf("failed to listen on %s: %v\n", *listenAddr, err)
		os.Exit(1)
	}
	go func() {
		if err := ln.Serve(ctx); err != nil {
			logger.Warn("listener stopped", "error", err)
		}
	}()
	fmt.Printf("Listening on %s\n", *listenAddr)

	if *peerAddr != "" {
		peer, err := iface.DialTCP("tcp0-out", *peerAddr, logger)
		if err != nil {
			fmt.Printf("failed to dial peer %s: %v\n", *peerAddr, err)
		} else {
			t.RegisterInterface(peer)
			if err := peer.Start(ctx); err != nil {
				logger.Warn("outbound interface failed to start", "error", err)
			}
			fmt.Printf("Connected to peer %s\n", *peerAddr)
		}
	}

	announceLoop(ctx, deliveryDest, t, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	cancel()
	router.Stop()
	_ = t.Stop()
	_ = ln.Close()
}

// announceLoop sends an initial announce immediately and then every 10
// minutes, advertising the router's default stamp cost in app_data so peers
// requiring propagated delivery learn a cost to mine against.
func announceLoop(ctx context.Context, d *destination.Destination, t *transport.Context, logger *slog.Logger) {
	sendAnnounce := func() {
		const includeRatchet = false
		payload, err := d.BuildAnnounce([]byte{lxmf.DefaultStampCost}, includeRatchet)
		if err != nil {
			logger.Warn("build announce failed", "error", err)
			return
		}
		if err := t.SendAnnounce(d.Hash(), payload, includeRatchet); err != nil {
			logger.Warn("send announce failed", "error", err)
		}
	}
	sendAnnounce()

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sendAnnounce()
			}
		}
	}()
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("rnsd-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
