package voicegateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/diamondburned/magma/discord"
	"github.com/diamondburned/magma/internal/heart"
	"github.com/diamondburned/magma/utils/ws"
)

// Version represents the current version of the Discord voice gateway this
// package uses.
const Version = "4"

// DefaultTimeout bounds each dial and each send.
var DefaultTimeout = 10 * time.Second

// State contains everything needed to identify with a voice gateway.
type State struct {
	GuildID   discord.GuildID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

func (s State) canIdentify() bool {
	return s.GuildID.IsValid() && s.UserID.IsValid() && s.SessionID != "" && s.Token != ""
}

func (s State) canResume() bool {
	return s.GuildID.IsValid() && s.SessionID != "" && s.Token != ""
}

// Options configures a Gateway.
type Options struct {
	// Dialer overrides ws.DefaultDialer.
	Dialer  *websocket.Dialer
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Closed describes how a gateway connection ended for good.
type Closed struct {
	Code     CloseCode
	Reason   string
	ByRemote bool
	// Err is the error that kept the connection from resuming, if any.
	Err error
}

func (c *Closed) Error() string {
	s := fmt.Sprintf("voice gateway closed (%v): %s", c.Code, c.Reason)
	if c.Err != nil {
		s += ": " + c.Err.Error()
	}
	return s
}

func (c *Closed) Unwrap() error { return c.Err }

type endpointQuery struct {
	Version string `schema:"v"`
}

// EndpointURL builds the websocket URL of a voice server endpoint.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection
func EndpointURL(endpoint string) (string, error) {
	host := strings.TrimSuffix(endpoint, ":80")
	if host == "" {
		return "", errors.New("missing endpoint")
	}

	query := url.Values{}
	if err := schema.NewEncoder().Encode(endpointQuery{Version}, query); err != nil {
		return "", errors.Wrap(err, "failed to encode endpoint query")
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     "/",
		RawQuery: query.Encode(),
	}

	return u.String(), nil
}

// Gateway represents one voice gateway session. It does not run a loop of its
// own: the owner selects on Ops and Heartbeats and feeds what it receives back
// into HandleOp and Heartbeat. Apart from Phase, its methods must be called
// from a single goroutine.
type Gateway struct {
	state State
	opts  Options
	log   zerolog.Logger

	ws    *ws.Websocket
	ops   <-chan ws.Op
	heart heart.Pacemaker
	phase atomic.Int32

	ssrc     uint32
	ready    bool
	resuming bool
	// pending holds commands sent before Ready or Resumed.
	pending []ws.Event
}

// New creates an unopened Gateway.
func New(state State, opts Options) (*Gateway, error) {
	addr, err := EndpointURL(state.Endpoint)
	if err != nil {
		return nil, err
	}

	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	dialer := ws.DefaultDialer
	if opts.Dialer != nil {
		dialer = *opts.Dialer
	}

	g := &Gateway{
		state: state,
		opts:  opts,
		log:   opts.Logger.With().Str("endpoint", addr).Logger(),
		ws:    ws.NewCustomWebsocket(ws.NewConnWithDialer(Codec, dialer), addr),
	}
	g.phase.Store(int32(NoConnection))

	return g, nil
}

// State returns the state the gateway identifies with.
func (g *Gateway) State() State { return g.state }

// Phase returns the current phase. It is thread-safe.
func (g *Gateway) Phase() Phase { return Phase(g.phase.Load()) }

func (g *Gateway) setPhase(p Phase) {
	if old := Phase(g.phase.Swap(int32(p))); old != p {
		g.log.Debug().Stringer("from", old).Stringer("to", p).Msg("voice gateway phase changed")
	}
}

// Ops returns the channel of inbound ops. It changes after a resume and is
// nil once the gateway is closed.
func (g *Gateway) Ops() <-chan ws.Op { return g.ops }

// Heartbeats fires whenever a heartbeat is due.
func (g *Gateway) Heartbeats() <-chan time.Time { return g.heart.Ticks() }

// SSRC returns the SSRC from the Ready event, or 0.
func (g *Gateway) SSRC() uint32 { return g.ssrc }

// Open dials the gateway. Identify is sent once Hello arrives.
func (g *Gateway) Open(ctx context.Context) error {
	if !g.state.canIdentify() {
		return ErrMissingForIdentify
	}

	g.setPhase(Connecting)

	if err := g.dial(ctx); err != nil {
		g.setPhase(Disconnected)
		return err
	}

	return nil
}

func (g *Gateway) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	ops, err := g.ws.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to connect to voice gateway")
	}

	g.ops = ops
	return nil
}

// HandleOp processes one op received from Ops. It returns a non-nil Closed
// once the gateway is closed for good.
func (g *Gateway) HandleOp(ctx context.Context, op ws.Op) *Closed {
	switch data := op.Data.(type) {
	case *HelloEvent:
		g.heart.Start(data.HeartbeatInterval.Duration())

		var err error
		if g.resuming {
			err = g.send(ctx, ResumeCommand{
				GuildID:   g.state.GuildID,
				SessionID: g.state.SessionID,
				Token:     g.state.Token,
			})
		} else {
			err = g.send(ctx, IdentifyCommand{
				GuildID:   g.state.GuildID,
				UserID:    g.state.UserID,
				SessionID: g.state.SessionID,
				Token:     g.state.Token,
			})
		}
		if err != nil {
			// The websocket is broken; its close event follows.
			g.log.Warn().Err(err).Msg("failed to identify")
		}

	case *ReadyEvent:
		g.ssrc = data.SSRC
		g.markReady(ctx)

	case *SessionDescriptionEvent:
		g.setPhase(Connected)

	case *ResumedEvent:
		g.log.Debug().Msg("voice gateway connection has been resumed")
		g.resuming = false
		g.markReady(ctx)
		g.setPhase(Connected)

	case *HeartbeatAckEvent:
		g.heart.Echo()

	case *SpeakingEvent, *ClientConnectEvent:
		g.log.Trace().Int("op", int(op.Code)).Msg("ignored voice gateway event")

	case *ClientDisconnectEvent:
		g.log.Debug().Stringer("user_id", data.UserID).Msg("user left the voice channel")

	case *ws.BackgroundErrorEvent:
		if ws.IsUnknownEvent(data) {
			g.log.Debug().Err(data.Err).Msg("ignored unknown voice gateway op")
		} else {
			g.log.Warn().Err(data.Err).Msg("voice gateway error")
		}

	case *ws.CloseEvent:
		return g.handleClose(ctx, CloseCodeOf(data.Code), data.Reason, true)
	}

	return nil
}

// Heartbeat sends a heartbeat. If the earlier ones went unacknowledged, the
// connection is treated as lost and resumed instead.
func (g *Gateway) Heartbeat(ctx context.Context) *Closed {
	if err := g.heart.Pace(); err != nil {
		g.log.Warn().Err(err).Msg("voice gateway stopped acknowledging heartbeats")
		return g.handleClose(ctx, HeartbeatTimeout, err.Error(), false)
	}

	if err := g.Send(ctx, HeartbeatCommand(time.Now().UnixMilli())); err != nil {
		g.log.Warn().Err(err).Msg("failed to send heartbeat")
	}

	return nil
}

func (g *Gateway) handleClose(ctx context.Context, code CloseCode, reason string, remote bool) *Closed {
	ev := g.log.Info()
	switch {
	case !code.Known():
		ev = g.log.Error()
	case code.ShouldWarn():
		ev = g.log.Warn()
	}
	ev.Stringer("code", code).Str("reason", reason).Bool("resume", code.ShouldResume()).
		Msg("voice gateway closed")

	if code.ShouldResume() {
		err := g.resume(ctx)
		if err == nil {
			return nil
		}

		g.log.Warn().Err(err).Msg("failed to resume voice gateway")
		g.terminate()
		return &Closed{Code: code, Reason: reason, ByRemote: remote, Err: err}
	}

	g.terminate()
	return &Closed{Code: code, Reason: reason, ByRemote: remote}
}

func (g *Gateway) resume(ctx context.Context) error {
	if !g.state.canResume() {
		return ErrMissingForResume
	}

	g.setPhase(Resuming)
	g.ready = false
	g.resuming = true
	g.heart.Stop()

	if err := g.ws.Close(); err != nil && !errors.Is(err, ws.ErrWebsocketClosed) {
		g.log.Debug().Err(err).Msg("failed to close websocket before resuming")
	}

	return g.dial(ctx)
}

func (g *Gateway) terminate() {
	g.setPhase(Disconnected)
	g.heart.Stop()
	g.ops = nil
	g.pending = nil
	g.ws.Close()
}

func (g *Gateway) markReady(ctx context.Context) {
	g.ready = true

	pending := g.pending
	g.pending = nil

	for _, ev := range pending {
		if sp, ok := ev.(SpeakingCommand); ok && sp.SSRC == 0 {
			sp.SSRC = g.ssrc
			ev = sp
		}

		if err := g.send(ctx, ev); err != nil {
			g.log.Warn().Err(err).Int("op", int(ev.Op())).Msg("failed to flush pending command")
			return
		}
	}
}

// Send sends a command. Commands other than Identify and Resume are held back
// until Ready or Resumed has been processed.
func (g *Gateway) Send(ctx context.Context, ev ws.Event) error {
	if g.Phase() == Disconnected {
		return ws.ErrWebsocketClosed
	}

	if !g.ready {
		g.pending = append(g.pending, ev)
		return nil
	}

	return g.send(ctx, ev)
}

func (g *Gateway) send(ctx context.Context, ev ws.Event) error {
	b, err := Codec.Encode(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	return g.ws.Send(ctx, b)
}

// SelectProtocol tells the gateway where to expect our UDP packets from.
func (g *Gateway) SelectProtocol(ctx context.Context, ip string, port uint16, mode string) error {
	return g.Send(ctx, SelectProtocolCommand{
		Protocol: "udp",
		Data: SelectProtocolData{
			Address: ip,
			Port:    port,
			Mode:    mode,
		},
	})
}

// Speaking announces the speaking flags.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	return g.Send(ctx, SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     g.ssrc,
	})
}

// Close closes the gateway with a normal closure. The session cannot be
// resumed afterwards.
func (g *Gateway) Close() error {
	if g.Phase() == Disconnected {
		return ws.ErrWebsocketClosed
	}

	g.setPhase(Disconnected)
	g.heart.Stop()
	g.ops = nil
	g.pending = nil

	return g.ws.CloseGracefully()
}
