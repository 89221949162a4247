// Package rtp implements the RTP framing and payload encryption used by
// Discord voice connections.
package rtp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrNoCommonMode is returned if the server offers no encryption mode that
// this package supports.
var ErrNoCommonMode = errors.New("no supported encryption mode offered")

// EncryptionMode is one of the xsalsa20_poly1305 variants. The modes only
// differ in how the 24-byte nonce is built and whether it is sent along.
type EncryptionMode uint8

const (
	_ EncryptionMode = iota
	// Normal uses the RTP header as the nonce. Nothing is appended.
	Normal
	// Suffix uses 24 random bytes as the nonce and appends them.
	Suffix
	// Lite uses a 4-byte big-endian counter as the nonce and appends it.
	Lite
)

// SupportedModes lists all modes in order of preference.
var SupportedModes = []EncryptionMode{Lite, Suffix, Normal}

// ParseEncryptionMode returns the mode with the given wire key.
func ParseEncryptionMode(key string) (EncryptionMode, bool) {
	for _, mode := range SupportedModes {
		if mode.Key() == key {
			return mode, true
		}
	}
	return 0, false
}

// Key returns the name the voice gateway uses for the mode.
func (m EncryptionMode) Key() string {
	switch m {
	case Normal:
		return "xsalsa20_poly1305"
	case Suffix:
		return "xsalsa20_poly1305_suffix"
	case Lite:
		return "xsalsa20_poly1305_lite"
	default:
		return ""
	}
}

func (m EncryptionMode) String() string {
	if key := m.Key(); key != "" {
		return key
	}
	return "unknown"
}

// Preference returns the negotiation weight of the mode. Higher wins.
func (m EncryptionMode) Preference() int {
	switch m {
	case Normal:
		return 10
	case Suffix:
		return 20
	case Lite:
		return 30
	default:
		return 0
	}
}

// SuffixSize returns the number of nonce bytes appended after the encrypted
// payload.
func (m EncryptionMode) SuffixSize() int {
	switch m {
	case Suffix:
		return NonceSize
	case Lite:
		return 4
	default:
		return 0
	}
}

// PreferredMode picks the offered mode with the highest preference.
func PreferredMode(offered []EncryptionMode) (EncryptionMode, error) {
	var best EncryptionMode
	for _, mode := range offered {
		if mode.Preference() > best.Preference() {
			best = mode
		}
	}

	if best.Preference() == 0 {
		return 0, ErrNoCommonMode
	}

	return best, nil
}

// PreferredModeOf is PreferredMode for the wire keys sent in the Ready event.
// Unknown keys are skipped.
func PreferredModeOf(keys []string) (EncryptionMode, error) {
	modes := make([]EncryptionMode, 0, len(keys))
	for _, key := range keys {
		if mode, ok := ParseEncryptionMode(key); ok {
			modes = append(modes, mode)
		}
	}

	mode, err := PreferredMode(modes)
	if err != nil {
		return 0, errors.Wrapf(err, "offered %v", keys)
	}

	return mode, nil
}

// NonceSize is the nonce length of secretbox.
const NonceSize = 24

// Nonce is the nonce material for one packet.
type Nonce struct {
	// Full is the zero-padded nonce handed to secretbox.
	Full [NonceSize]byte

	suffix int
}

// Suffix returns the bytes appended to the datagram. The slice aliases Full.
func (n *Nonce) Suffix() []byte {
	return n.Full[:n.suffix]
}

// NonceFor builds the nonce for a packet with the given header. counter is
// only used by Lite.
func NonceFor(mode EncryptionMode, header *[HeaderSize]byte, counter uint32) (Nonce, error) {
	var n Nonce

	switch mode {
	case Normal:
		copy(n.Full[:], header[:])
	case Suffix:
		if _, err := rand.Read(n.Full[:]); err != nil {
			return n, errors.Wrap(err, "failed to read random nonce")
		}
		n.suffix = NonceSize
	case Lite:
		binary.BigEndian.PutUint32(n.Full[:4], counter)
		n.suffix = 4
	default:
		return n, errors.Errorf("unknown encryption mode %d", mode)
	}

	return n, nil
}

// NonceCounter hands out the Lite nonces of one connection. It wraps around
// to 0 after the maximum uint32. The zero value starts at 0.
type NonceCounter struct {
	n atomic.Uint32
}

// Next returns the current counter value and advances it.
func (c *NonceCounter) Next() uint32 {
	return c.n.Inc() - 1
}

// Reset sets the next value Next returns.
func (c *NonceCounter) Reset(v uint32) {
	c.n.Store(v)
}
