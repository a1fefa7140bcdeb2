package transport

import (
	"context"
	"time"
)

// receiptScanLoop periodically walks the receipts table, marking any
// still-SENT receipt whose timeout has elapsed FAILED and firing its
// TimeoutCallback outside the lock (§4.F "receipts table"). It does not
// remove concluded receipts; TrimMemory does that.
func (c *Context) receiptScanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scanReceipts()
		}
	}
}

func (c *Context) scanReceipts() {
	now := time.Now()
	var timedOut []*Receipt

	c.receiptsMu.Lock()
	for _, r := range c.receipts {
		if r.Status == ReceiptSent && r.Timeout > 0 && now.Sub(r.SentAt) > r.Timeout {
			r.Status = ReceiptFailed
			r.ConcludedAt = now
			timedOut = append(timedOut, r)
		}
	}
	c.receiptsMu.Unlock()

	for _, r := range timedOut {
		if r.TimeoutCallback != nil {
			r.TimeoutCallback(r)
		}
	}
}

// PacketTimeout computes the per-packet delivery timeout, per §4.F's
// "timeout = first_hop_timeout + per_hop_timeout * hops" rule.
func PacketTimeout(firstHop, perHop time.Duration, hops uint8) time.Duration {
	return firstHop + perHop*time.Duration(hops)
}
