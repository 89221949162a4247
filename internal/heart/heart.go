// Package heart implements a general purpose pacemaker.
package heart

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/diamondburned/magma/internal/lazytime"
)

// Debug is the default logger that Pacemaker uses.
var Debug = func(v ...interface{}) {}

// ErrDead is returned by Pace if no heartbeat was acknowledged for two beats.
var ErrDead = errors.New("no heartbeat replied")

// AtomicTime is a thread-safe UnixNano timestamp guarded by atomic.
type AtomicTime struct {
	unixnano atomic.Int64
}

func (t *AtomicTime) Get() int64 {
	return t.unixnano.Load()
}

func (t *AtomicTime) Set(time time.Time) {
	t.unixnano.Store(time.UnixNano())
}

func (t *AtomicTime) Time() time.Time {
	return time.Unix(0, t.Get())
}

// Pacemaker ticks at the heart rate and tracks whether the beats sent are
// echoed. Its zero value is a stopped pacemaker.
type Pacemaker struct {
	// Heartrate is the received duration between heartbeats.
	Heartrate time.Duration

	ticker lazytime.Ticker

	// Time in nanoseconds, guarded by atomic read/writes.
	SentBeat AtomicTime
	EchoBeat AtomicTime
}

// Start (re)starts the pacemaker at the given rate.
func (p *Pacemaker) Start(heartrate time.Duration) {
	Debug("Pacemaker starting at", heartrate)

	// Reset states to its old position.
	now := time.Now()
	p.EchoBeat.Set(now)
	p.SentBeat.Set(now)

	p.Heartrate = heartrate
	p.ticker.Reset(heartrate)
}

// Ticks returns the channel that fires at every beat. It is nil while the
// pacemaker is stopped.
func (p *Pacemaker) Ticks() <-chan time.Time {
	return p.ticker.C
}

// Echo marks the last beat as acknowledged.
func (p *Pacemaker) Echo() {
	// Swap our received heartbeats
	p.EchoBeat.Set(time.Now())
}

// Dead, if true, will have Pace return an ErrDead.
func (p *Pacemaker) Dead() bool {
	var (
		echo = p.EchoBeat.Get()
		sent = p.SentBeat.Get()
	)

	if echo == 0 || sent == 0 {
		return false
	}

	return sent-echo > int64(p.Heartrate)*2
}

// Pace records that a beat was sent. It returns ErrDead if the earlier beats
// went unacknowledged for too long.
func (p *Pacemaker) Pace() error {
	p.SentBeat.Set(time.Now())

	if p.Dead() {
		Debug("Pacemaker is dead")
		return ErrDead
	}

	return nil
}

// Stop stops the pacemaker, or it does nothing if the pacemaker is not started.
func (p *Pacemaker) Stop() {
	p.ticker.Stop()
	p.EchoBeat.unixnano.Store(0)
	p.SentBeat.unixnano.Store(0)
}
