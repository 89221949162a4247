package rtp

import (
	pionrtp "github.com/pion/rtp"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// https://discord.com/developers/docs/topics/voice-connections#encrypting-and-sending-voice
const (
	HeaderSize = 12

	// VersionFlags is the first header byte: version 2, no padding, no
	// extension, no CSRC.
	VersionFlags byte = 0x80
	// PayloadType is the second header byte Discord expects for Opus.
	PayloadType byte = 0x78

	// FrameSamples is the timestamp increment of one 20ms Opus frame at 48kHz.
	FrameSamples = 960
)

// ErrDecryptionFailed is returned from Open if the payload fails to
// authenticate.
var ErrDecryptionFailed = errors.New("decryption failed")

// Packet is one unencrypted RTP packet.
type Packet struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
	Payload   []byte
}

// Header renders the fixed 12-byte RTP header.
func (p *Packet) Header() (h [HeaderSize]byte) {
	hdr := pionrtp.Header{
		Version:        2,
		PayloadType:    PayloadType,
		SequenceNumber: p.Sequence,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
	}

	// MarshalTo only fails on short buffers, and a bare header is always
	// exactly HeaderSize long.
	hdr.MarshalTo(h[:])
	return
}

// EncryptedSize returns the datagram size of p under mode.
func (p *Packet) EncryptedSize(mode EncryptionMode) int {
	return HeaderSize + len(p.Payload) + secretbox.Overhead + mode.SuffixSize()
}

// Encrypt seals the payload and writes header, ciphertext and nonce suffix
// into buf. buf is reallocated if it is too small; the returned slice should
// be kept by the caller as the next scratch buffer. counter is only used by
// Lite.
func (p *Packet) Encrypt(
	buf []byte, mode EncryptionMode, key *[32]byte, counter uint32) ([]byte, error) {

	header := p.Header()

	nonce, err := NonceFor(mode, &header, counter)
	if err != nil {
		return nil, err
	}

	if size := p.EncryptedSize(mode); cap(buf) < size {
		buf = make([]byte, 0, size)
	}

	out := append(buf[:0], header[:]...)
	out = secretbox.Seal(out, p.Payload, &nonce.Full, key)
	out = append(out, nonce.Suffix()...)

	return out, nil
}

// Open parses and decrypts a datagram produced by Encrypt.
func Open(datagram []byte, mode EncryptionMode, key *[32]byte) (*Packet, error) {
	var hdr pionrtp.Header

	n, err := hdr.Unmarshal(datagram)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse RTP header")
	}

	suffix := mode.SuffixSize()
	if len(datagram) < n+secretbox.Overhead+suffix {
		return nil, errors.Errorf("datagram too short (%d bytes)", len(datagram))
	}

	var nonce [NonceSize]byte
	if mode == Normal {
		copy(nonce[:], datagram[:HeaderSize])
	} else {
		copy(nonce[:], datagram[len(datagram)-suffix:])
	}

	body := datagram[n : len(datagram)-suffix]

	payload, ok := secretbox.Open(nil, body, &nonce, key)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return &Packet{
		Sequence:  hdr.SequenceNumber,
		Timestamp: hdr.Timestamp,
		SSRC:      hdr.SSRC,
		Payload:   payload,
	}, nil
}
