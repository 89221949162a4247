// Package udp implements the voice data channel: UDP IP discovery, the
// readiness join that gates sending, and the per-frame packet cadence.
package udp

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/diamondburned/magma/internal/lazytime"
)

// DiscoverySize is the size of both the IP discovery request and response.
const DiscoverySize = 70

// ErrDiscoveryExhausted is returned by Discover once all attempts failed.
var ErrDiscoveryExhausted = errors.New("UDP IP discovery failed")

// ErrClosed is returned if the data channel's socket is already closed.
var ErrClosed = errors.New("UDP connection closed")

// DiscoveryOpts controls the IP discovery retry loop.
type DiscoveryOpts struct {
	// Attempts is the number of request/response rounds before giving up.
	Attempts int
	// ReadTimeout is how long each round waits for the response.
	ReadTimeout time.Duration
	// Pause is the delay between two rounds.
	Pause time.Duration
}

// DefaultDiscoveryOpts gives up after about 110 seconds against a silent
// server.
var DefaultDiscoveryOpts = DiscoveryOpts{
	Attempts:    100,
	ReadTimeout: time.Second,
	Pause:       100 * time.Millisecond,
}

// DiscoveryRequest builds the request datagram: the SSRC in big endian
// followed by zeroes.
func DiscoveryRequest(ssrc uint32) []byte {
	b := make([]byte, DiscoverySize)
	binary.BigEndian.PutUint32(b[0:4], ssrc)
	return b
}

// ParseDiscoveryResponse extracts our external address from a discovery
// response. The IP is a null padded string after the SSRC; the port is stored
// little endian in the last 2 bytes.
func ParseDiscoveryResponse(b []byte) (*net.UDPAddr, error) {
	if len(b) != DiscoverySize {
		return nil, errors.Errorf("unexpected discovery response size %d", len(b))
	}

	ipString := strings.Trim(string(b[4:len(b)-2]), "\x00 ")

	ip := net.ParseIP(ipString)
	if ip == nil {
		return nil, errors.Errorf("invalid IP %q in discovery response", ipString)
	}

	return &net.UDPAddr{
		IP:   ip,
		Port: int(binary.LittleEndian.Uint16(b[len(b)-2:])),
	}, nil
}

// Discover performs IP discovery against target over conn. It blocks for up to
// opts.Attempts rounds and must not be called from an event loop. Every round
// sets its own read deadline, so concurrent discoveries on one socket must be
// serialized by the caller.
func Discover(
	ctx context.Context, conn *net.UDPConn,
	target *net.UDPAddr, ssrc uint32, opts DiscoveryOpts) (*net.UDPAddr, error) {

	request := DiscoveryRequest(ssrc)

	var pause lazytime.Timer
	defer pause.Stop()

	var lastErr error

	for try := 0; try < opts.Attempts; try++ {
		if try > 0 {
			if err := pause.Sleep(ctx, opts.Pause); err != nil {
				return nil, errors.Wrap(err, "IP discovery cancelled")
			}
		} else if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "IP discovery cancelled")
		}

		addr, err := discoverOnce(conn, target, request, opts.ReadTimeout)
		if err == nil {
			return addr, nil
		}

		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}

		lastErr = err
	}

	return nil, errors.Wrapf(ErrDiscoveryExhausted,
		"%d attempts, last error: %v", opts.Attempts, lastErr)
}

func discoverOnce(
	conn *net.UDPConn, target *net.UDPAddr, request []byte, timeout time.Duration) (*net.UDPAddr, error) {

	if _, err := conn.WriteToUDP(request, target); err != nil {
		return nil, errors.Wrap(err, "failed to write discovery request")
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "failed to set read deadline")
	}

	// One spare byte to tell oversized replies apart.
	var response [DiscoverySize + 1]byte

	n, _, err := conn.ReadFromUDP(response[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to read discovery response")
	}

	return ParseDiscoveryResponse(response[:n])
}
