package udp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/diamondburned/magma/voice/rtp"
)

// Readiness is the join of everything needed before audio can be sent. The
// fields arrive independently from the voice gateway and the caller.
type Readiness struct {
	mode    rtp.EncryptionMode
	key     *[32]byte
	ssrc    uint32
	hasSSRC bool
	target  *net.UDPAddr
	source  AudioSource
}

// IsReady returns true if all five components are present.
func (r *Readiness) IsReady() bool {
	return r.mode != 0 && r.key != nil && r.hasSSRC && r.target != nil && r.source != nil
}

func (r *Readiness) snapshot() *sendState {
	return &sendState{
		mode:   r.mode,
		key:    *r.key,
		ssrc:   r.ssrc,
		target: r.target,
		source: r.source,
	}
}

// Options configures a DataChannel.
type Options struct {
	Discovery DiscoveryOpts
	// NewSender creates the pacer that polls the channel every frame. It
	// defaults to NewTickerSender.
	NewSender func(PacketProvider) Sender
	// OnSpeaking is called whenever the speaking flag flips. It may be called
	// from the sender goroutine and must not block.
	OnSpeaking func(speaking bool)
	Logger     zerolog.Logger
}

// DiscoveryResult is the outcome of BeginDiscovery.
type DiscoveryResult struct {
	// Target is the voice server address discovery was run against.
	Target *net.UDPAddr
	// External is our address as seen by the voice server.
	External *net.UDPAddr
	Err      error
}

// DataChannel owns the UDP socket of one voice connection. Apart from
// NextPacket and Speaking, its methods are not thread-safe and are expected to
// be called from a single goroutine.
type DataChannel struct {
	conn *net.UDPConn
	opts Options

	ready   Readiness
	state   atomic.Pointer[sendState]
	counter rtp.NonceCounter

	speaking atomic.Bool
	cadence  *Cadence
	sender   Sender

	// discovering is closed when the last discovery goroutine returns.
	discovering chan struct{}

	closed bool
}

var _ PacketProvider = (*DataChannel)(nil)

// NewDataChannel opens a UDP socket on an ephemeral port.
func NewDataChannel(opts Options) (*DataChannel, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open UDP socket")
	}

	if opts.Discovery == (DiscoveryOpts{}) {
		opts.Discovery = DefaultDiscoveryOpts
	}
	if opts.NewSender == nil {
		opts.NewSender = NewTickerSender
	}

	c := &DataChannel{
		conn: conn,
		opts: opts,
	}

	c.cadence = &Cadence{
		state:    &c.state,
		counter:  &c.counter,
		speaking: &c.speaking,
		notify:   opts.OnSpeaking,
		log:      opts.Logger,
	}

	return c, nil
}

// Conn returns the underlying socket.
func (c *DataChannel) Conn() *net.UDPConn { return c.conn }

// LocalAddr returns the socket's local address.
func (c *DataChannel) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// BeginDiscovery runs IP discovery in a new goroutine. The result is delivered
// on the returned channel, which has room for exactly one value.
//
// Discoveries share the socket, so a new one waits for the previous goroutine
// to return. The caller is expected to have cancelled the previous discovery.
func (c *DataChannel) BeginDiscovery(
	ctx context.Context, target *net.UDPAddr, ssrc uint32) <-chan DiscoveryResult {

	ch := make(chan DiscoveryResult, 1)
	conn := c.conn
	opts := c.opts.Discovery

	prev := c.discovering
	done := make(chan struct{})
	c.discovering = done

	if prev != nil {
		select {
		case <-prev:
		default:
			// Kick the previous goroutine out of its read.
			conn.SetReadDeadline(time.Now())
		}
	}

	go func() {
		defer close(done)

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				ch <- DiscoveryResult{
					Target: target,
					Err:    errors.Wrap(ctx.Err(), "IP discovery cancelled"),
				}
				return
			}
		}

		external, err := Discover(ctx, conn, target, ssrc, opts)
		ch <- DiscoveryResult{
			Target:   target,
			External: external,
			Err:      err,
		}
	}()

	return ch
}

// IsReady returns true if audio is being sent.
func (c *DataChannel) IsReady() bool { return c.ready.IsReady() }

// SetEncryptionMode sets the negotiated mode. 0 removes it.
func (c *DataChannel) SetEncryptionMode(mode rtp.EncryptionMode) {
	c.ready.mode = mode
	c.transition()
}

// SetSecretKey sets the key from the session description. nil removes it.
func (c *DataChannel) SetSecretKey(key *[32]byte) {
	if key != nil {
		cpy := *key
		key = &cpy
	}
	c.ready.key = key
	c.transition()
}

// SetSSRC sets the SSRC assigned in the Ready event.
func (c *DataChannel) SetSSRC(ssrc uint32) {
	c.ready.ssrc = ssrc
	c.ready.hasSSRC = true
	c.transition()
}

// SSRC returns the current SSRC, if any.
func (c *DataChannel) SSRC() (uint32, bool) {
	return c.ready.ssrc, c.ready.hasSSRC
}

// SetTargetAddress sets the voice server address packets are sent to. nil
// removes it.
func (c *DataChannel) SetTargetAddress(addr *net.UDPAddr) {
	c.ready.target = addr
	c.transition()
}

// SetAudioSource replaces the audio source. nil removes it.
func (c *DataChannel) SetAudioSource(src AudioSource) {
	c.ready.source = src
	c.transition()
}

// ClearSession drops everything the voice gateway provided. The audio source
// is kept.
func (c *DataChannel) ClearSession() {
	c.ready = Readiness{source: c.ready.source}
	c.transition()
}

// Speaking returns the current speaking flag. It is thread-safe.
func (c *DataChannel) Speaking() bool { return c.speaking.Load() }

// RequestSpeakingChange sets the speaking flag. It returns false and does
// nothing if the flag already has that value.
func (c *DataChannel) RequestSpeakingChange(speaking bool) bool {
	if !c.speaking.CompareAndSwap(!speaking, speaking) {
		return false
	}
	if c.opts.OnSpeaking != nil {
		c.opts.OnSpeaking(speaking)
	}
	return true
}

// NextPacket implements PacketProvider. It is called from the sender
// goroutine.
func (c *DataChannel) NextPacket(maySignalStop bool) (Datagram, bool) {
	return c.cadence.Tick(maySignalStop)
}

// transition starts or stops the sender to match the readiness. It must run
// after every readiness change.
func (c *DataChannel) transition() {
	if c.closed {
		return
	}

	if !c.ready.IsReady() {
		c.state.Store(nil)
		c.stopSender()
		return
	}

	c.state.Store(c.ready.snapshot())

	if c.sender == nil {
		c.opts.Logger.Debug().Msg("data channel ready, starting sender")
		c.sender = c.opts.NewSender(c)
		c.sender.Start()
	}
}

func (c *DataChannel) stopSender() {
	if c.sender == nil {
		return
	}

	c.opts.Logger.Debug().Msg("data channel not ready, stopping sender")
	c.sender.Close()
	c.sender = nil

	c.RequestSpeakingChange(false)
}

// Shutdown stops sending, clears the readiness and closes the socket. It is
// safe to call multiple times.
func (c *DataChannel) Shutdown() error {
	if c.closed {
		return ErrClosed
	}

	c.RequestSpeakingChange(false)

	c.state.Store(nil)
	c.stopSender()
	c.ready = Readiness{}
	c.closed = true

	return c.conn.Close()
}
