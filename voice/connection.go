package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/diamondburned/magma/utils/ws"
	"github.com/diamondburned/magma/voice/rtp"
	"github.com/diamondburned/magma/voice/udp"
	"github.com/diamondburned/magma/voice/voicegateway"
)

var errConnectionDone = errors.New("voice connection is done")

// clientClosed is reported when a connection is closed on request.
func clientClosed(m Member) WebSocketClosed {
	return WebSocketClosed{
		Member:    m,
		CloseCode: int(voicegateway.NormalClosure),
		Reason:    ws.ClientCloseReason,
	}
}

// localFailure is reported when a connection could not be set up.
func localFailure(m Member, code voicegateway.CloseCode, err error) *WebSocketClosed {
	return &WebSocketClosed{
		Member:    m,
		CloseCode: int(code),
		Reason:    err.Error(),
	}
}

// connection is the actor owning one member's voice gateway session and data
// channel. Everything except Phase runs on its own goroutine.
type connection struct {
	member Member
	opts   *Options
	log    zerolog.Logger

	inbox chan Event
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc

	// dying is closed once the actor stops taking events. postMu is held for
	// reading by every post, so taking it for writing after closing dying
	// waits out the posts already in flight.
	dying  chan struct{}
	postMu sync.RWMutex

	// onClosed is called on the actor goroutine just before it exits, with
	// the events that were accepted but never handled.
	onClosed func(c *connection, closed WebSocketClosed, unhandled []Event)

	// current is the gateway for Phase readers on other goroutines.
	current atomic.Pointer[voicegateway.Gateway]

	gateway *voicegateway.Gateway
	session SessionInfo
	data    *udp.DataChannel

	mode            rtp.EncryptionMode
	discovery       <-chan udp.DiscoveryResult
	cancelDiscovery context.CancelFunc

	modes         voicegateway.SpeakingFlag
	sentSpeaking  voicegateway.SpeakingFlag
	speakingDirty chan struct{}
}

func newConnection(
	m Member, opts *Options,
	onClosed func(*connection, WebSocketClosed, []Event)) (*connection, error) {

	c := &connection{
		member:   m,
		opts:     opts,
		inbox:    make(chan Event, inboxSize),
		done:     make(chan struct{}),
		dying:    make(chan struct{}),
		onClosed: onClosed,
		modes:    speakingFlag(nil),

		speakingDirty:   make(chan struct{}, 1),
		cancelDiscovery: func() {},
	}

	c.log = opts.Logger.With().
		Stringer("user_id", m.UserID).
		Stringer("guild_id", m.GuildID).
		Str("conn_id", uuid.NewString()).
		Logger()

	data, err := udp.NewDataChannel(udp.Options{
		Discovery:  opts.Discovery,
		NewSender:  opts.NewSender,
		OnSpeaking: c.markSpeakingDirty,
		Logger:     c.log,
	})
	if err != nil {
		return nil, err
	}
	c.data = data

	c.ctx, c.stop = context.WithCancel(context.Background())

	go c.run()
	return c, nil
}

// Phase returns the phase of the current gateway. It is thread-safe.
func (c *connection) Phase() voicegateway.Phase {
	if g := c.current.Load(); g != nil {
		return g.Phase()
	}
	return voicegateway.NoConnection
}

// post hands ev to the actor. It fails with errConnectionDone if the actor is
// exiting. An event accepted by post is either handled or given back through
// onClosed.
func (c *connection) post(ctx context.Context, ev Event) error {
	c.postMu.RLock()
	defer c.postMu.RUnlock()

	select {
	case <-c.dying:
		return errConnectionDone
	default:
	}

	select {
	case c.inbox <- ev:
		return nil
	case <-c.dying:
		return errConnectionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopTaking makes post fail and returns the events left in the inbox, in
// order.
func (c *connection) stopTaking() []Event {
	close(c.dying)

	c.postMu.Lock()
	defer c.postMu.Unlock()

	var unhandled []Event
	for {
		select {
		case ev := <-c.inbox:
			unhandled = append(unhandled, ev)
		default:
			return unhandled
		}
	}
}

// close asks the actor to close and waits for it to exit.
func (c *connection) close(ctx context.Context) error {
	if err := c.post(ctx, CloseConnection{c.member}); err != nil && err != errConnectionDone {
		return err
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markSpeakingDirty is called from the sender goroutine, so it must not block.
func (c *connection) markSpeakingDirty(bool) {
	select {
	case c.speakingDirty <- struct{}{}:
	default:
	}
}

func (c *connection) ops() <-chan ws.Op {
	if c.gateway == nil {
		return nil
	}
	return c.gateway.Ops()
}

func (c *connection) heartbeats() <-chan time.Time {
	if c.gateway == nil {
		return nil
	}
	return c.gateway.Heartbeats()
}

func (c *connection) run() {
	defer close(c.done)

	var closed *WebSocketClosed

	for closed == nil {
		select {
		case ev := <-c.inbox:
			closed = c.handleEvent(ev)

		case op, ok := <-c.ops():
			if !ok {
				op = ws.NewOp(&ws.CloseEvent{Code: -1, Err: ws.ErrWebsocketClosed})
			}
			closed = c.handleOp(op)

		case <-c.heartbeats():
			closed = c.fromGateway(c.gateway.Heartbeat(c.ctx))

		case res := <-c.discovery:
			closed = c.handleDiscovery(res)

		case <-c.speakingDirty:
			c.syncSpeaking()
		}
	}

	unhandled := c.stopTaking()
	c.teardown()
	c.onClosed(c, *closed, unhandled)
}

func (c *connection) handleEvent(ev Event) *WebSocketClosed {
	switch ev := ev.(type) {
	case VoiceServerUpdate:
		return c.open(SessionInfo{Member: c.member, ServerUpdate: ev.ServerUpdate})

	case SetAudioSource:
		c.data.SetAudioSource(ev.Source)

	case SetSpeakingModes:
		c.modes = speakingFlag(ev.Modes)
		c.syncSpeaking()

	case CloseConnection:
		closed := clientClosed(c.member)
		return &closed
	}

	return nil
}

// open starts a gateway session for info, replacing the current one unless
// it is the same session.
func (c *connection) open(info SessionInfo) *WebSocketClosed {
	if c.gateway != nil {
		if info == c.session && c.gateway.Phase() != voicegateway.Disconnected {
			c.log.Debug().Msg("ignoring identical voice server update")
			return nil
		}

		c.log.Info().Msg("voice server changed, reconnecting")
		c.closeGateway()
	}

	c.session = info

	g, err := voicegateway.New(info.state(), voicegateway.Options{
		Dialer:  c.opts.Dialer,
		Timeout: c.opts.Timeout,
		Logger:  c.log,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("invalid voice server update")
		return localFailure(c.member, voicegateway.NormalClosure, err)
	}

	c.gateway = g
	c.current.Store(g)

	if err := g.Open(c.ctx); err != nil {
		c.log.Error().Err(err).Msg("failed to open voice gateway")
		return localFailure(c.member, voicegateway.AbnormalClosure, err)
	}

	return nil
}

// closeGateway closes the current gateway and forgets everything it
// negotiated. The audio source is kept.
func (c *connection) closeGateway() {
	c.stopDiscovery()

	if err := c.gateway.Close(); err != nil && !errors.Is(err, ws.ErrWebsocketClosed) {
		c.log.Debug().Err(err).Msg("failed to close voice gateway")
	}

	c.data.ClearSession()
	c.mode = 0
	c.sentSpeaking = voicegateway.NotSpeaking
}

func (c *connection) fromGateway(closed *voicegateway.Closed) *WebSocketClosed {
	if closed == nil {
		return nil
	}

	return &WebSocketClosed{
		Member:    c.member,
		CloseCode: int(closed.Code),
		Reason:    closed.Reason,
		ByRemote:  closed.ByRemote,
	}
}

func (c *connection) handleOp(op ws.Op) *WebSocketClosed {
	if closed := c.fromGateway(c.gateway.HandleOp(c.ctx, op)); closed != nil {
		return closed
	}

	switch data := op.Data.(type) {
	case *voicegateway.ReadyEvent:
		mode, err := rtp.PreferredModeOf(data.Modes)
		if err != nil {
			c.log.Error().Err(err).Strs("modes", data.Modes).Msg("cannot encrypt voice data")
			return c.fail(voicegateway.UnknownEncryptionMode, err)
		}

		addr, err := data.Addr()
		if err != nil {
			c.log.Error().Err(err).Msg("invalid voice server address")
			return c.fail(voicegateway.NormalClosure, err)
		}

		c.mode = mode
		c.data.SetSSRC(data.SSRC)

		c.stopDiscovery()
		ctx, cancel := context.WithCancel(c.ctx)
		c.cancelDiscovery = cancel
		c.discovery = c.data.BeginDiscovery(ctx, addr, data.SSRC)

	case *voicegateway.SessionDescriptionEvent:
		mode, ok := rtp.ParseEncryptionMode(data.Mode)
		if !ok {
			err := errors.Errorf("unsupported encryption mode %q", data.Mode)
			c.log.Error().Err(err).Msg("invalid session description")
			return c.fail(voicegateway.UnknownEncryptionMode, err)
		}

		c.data.SetEncryptionMode(mode)
		c.data.SetSecretKey(&data.SecretKey)

	case *voicegateway.ResumedEvent:
		// The new websocket does not know whether we are speaking.
		c.sentSpeaking = voicegateway.NotSpeaking
		c.syncSpeaking()
	}

	return nil
}

func (c *connection) handleDiscovery(res udp.DiscoveryResult) *WebSocketClosed {
	c.discovery = nil
	c.cancelDiscovery()

	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			return nil
		}
		c.log.Error().Err(res.Err).Msg("UDP IP discovery failed")
		return c.fail(voicegateway.NormalClosure, res.Err)
	}

	c.log.Debug().Stringer("external", res.External).Msg("UDP IP discovery done")
	c.data.SetTargetAddress(res.Target)

	err := c.gateway.SelectProtocol(c.ctx, res.External.IP.String(), uint16(res.External.Port), c.mode.Key())
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to select protocol")
	}

	return nil
}

// syncSpeaking announces the speaking flags if they differ from the ones last
// sent.
func (c *connection) syncSpeaking() {
	want := voicegateway.NotSpeaking
	if c.data.Speaking() {
		want = c.modes
	}

	if want == c.sentSpeaking || c.gateway == nil {
		return
	}

	if err := c.gateway.Speaking(c.ctx, want); err != nil {
		c.log.Warn().Err(err).Msg("failed to send speaking update")
		return
	}

	c.sentSpeaking = want
}

// fail closes the gateway after a local failure.
func (c *connection) fail(code voicegateway.CloseCode, err error) *WebSocketClosed {
	if err := c.gateway.Close(); err != nil && !errors.Is(err, ws.ErrWebsocketClosed) {
		c.log.Debug().Err(err).Msg("failed to close voice gateway")
	}
	return localFailure(c.member, code, err)
}

func (c *connection) stopDiscovery() {
	c.cancelDiscovery()
	c.cancelDiscovery = func() {}
	c.discovery = nil
}

func (c *connection) teardown() {
	c.stopDiscovery()

	if c.gateway != nil {
		if err := c.gateway.Close(); err != nil && !errors.Is(err, ws.ErrWebsocketClosed) {
			c.log.Debug().Err(err).Msg("failed to close voice gateway")
		}
	}

	if err := c.data.Shutdown(); err != nil {
		c.log.Debug().Err(err).Msg("failed to close data channel")
	}

	c.stop()
}
