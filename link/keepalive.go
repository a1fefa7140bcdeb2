package link

import (
	"context"
	"time"

	"github.com/cvsouth/reticulum-go/packet"
)

// StartKeepalive launches the per-link watchdog goroutine: it sends an
// empty keepalive DATA frame every interval (clamped to
// [KeepaliveMin, KeepaliveMax]) and marks the link STALE once no inbound
// traffic has been seen for StaleFactor*interval+StaleGrace, per §4.G.
// Cancelling ctx, or calling Teardown, stops the watchdog.
func (l *Link) StartKeepalive(ctx context.Context, interval time.Duration) {
	if interval < KeepaliveMin {
		interval = KeepaliveMin
	}
	if interval > KeepaliveMax {
		interval = KeepaliveMax
	}
	staleAfter := time.Duration(StaleFactor)*interval + StaleGrace

	runCtx, cancel := context.WithCancel(ctx)
	l.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				if l.State() == Closed {
					return
				}
				if l.MarkStaleIfIdle(staleAfter, now) {
					l.logger.Debug("link idle past stale threshold", "link", l.ID, "stale_after", staleAfter)
				}
				if l.State() == Active || l.State() == Stale {
					if err := l.Send(nil, packet.ContextKeepalive); err != nil {
						l.logger.Warn("keepalive send failed", "link", l.ID, "error", err)
					}
				}
			}
		}
	}()
}
