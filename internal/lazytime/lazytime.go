// Package lazytime provides timers and tickers whose zero values are usable and
// that only allocate once they are first armed. A nil channel blocks forever
// in a select, so an unarmed Ticker or Timer simply never fires.
package lazytime

import (
	"context"
	"time"
)

// Ticker is a time.Ticker that is created on the first Reset.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

// Reset (re)starts the ticker with the given period.
func (t *Ticker) Reset(d time.Duration) {
	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
		return
	}
	t.ticker.Reset(d)
}

// Stop stops the ticker and detaches C, so that a select on C blocks until the
// next Reset.
func (t *Ticker) Stop() {
	if t.ticker == nil {
		return
	}

	t.ticker.Stop()
	t.ticker = nil
	t.C = nil
}

// Timer is a one-shot time.Timer that is created on the first Reset.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
}

// Reset arms the timer, discarding a pending tick.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}

	t.Stop()
	t.timer.Reset(d)
}

// Stop disarms the timer and drains it.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Wait blocks until the timer fires or until the context expires.
func (t *Timer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sleep pauses for d or until ctx expires, whichever comes first.
func (t *Timer) Sleep(ctx context.Context, d time.Duration) error {
	t.Reset(d)
	return t.Wait(ctx)
}
