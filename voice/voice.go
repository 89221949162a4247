// Package voice multiplexes Discord voice connections. Every (user, guild)
// pair gets its own connection, driven by control events submitted to a
// Registry.
package voice

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/diamondburned/magma/voice/udp"
	"github.com/diamondburned/magma/voice/voicegateway"
)

// ErrShutdown is returned when submitting to a Registry that has been shut
// down.
var ErrShutdown = errors.New("voice registry is shut down")

// DefaultEventBuffer is the default capacity of the Events channel.
const DefaultEventBuffer = 64

// inboxSize is the capacity of each connection's control inbox.
const inboxSize = 16

// Options configures a Registry.
type Options struct {
	// Dialer overrides the websocket dialer of the voice gateways.
	Dialer *websocket.Dialer
	// Timeout bounds each websocket dial and send.
	Timeout time.Duration
	// Discovery configures UDP IP discovery.
	Discovery udp.DiscoveryOpts
	// NewSender overrides the packet pacer.
	NewSender func(udp.PacketProvider) udp.Sender
	// EventBuffer is the capacity of the Events channel. Events that do not
	// fit are dropped.
	EventBuffer int
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

func (o *Options) fill() {
	if o.Timeout == 0 {
		o.Timeout = voicegateway.DefaultTimeout
	}
	if o.Discovery == (udp.DiscoveryOpts{}) {
		o.Discovery = udp.DefaultDiscoveryOpts
	}
	if o.NewSender == nil {
		o.NewSender = udp.NewTickerSender
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = &log.Logger
	}
}
