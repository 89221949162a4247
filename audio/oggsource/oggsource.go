// Package oggsource plays Ogg Opus streams through magma.
package oggsource

import (
	"bytes"
	"io"
	"sync"

	"github.com/jonas747/ogg"
	"github.com/pkg/errors"
)

// BufferFrames is the number of frames read ahead of playback. 50 frames is
// one second of audio.
var BufferFrames = 50

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// Source is an AudioSource over an Ogg Opus stream. Packets are demuxed on a
// goroutine of their own, so polling never blocks on the reader.
type Source struct {
	frames chan []byte
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	err error
}

// New starts reading r. The caller must call Close once done.
func New(r io.Reader) *Source {
	s := &Source{
		frames: make(chan []byte, BufferFrames),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go s.read(r)
	return s
}

func (s *Source) read(r io.Reader) {
	defer close(s.done)
	defer close(s.frames)

	dec := ogg.NewPacketDecoder(ogg.NewDecoder(r))

	for {
		packet, _, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = errors.Wrap(err, "failed to decode ogg packet")
			}
			return
		}

		if bytes.HasPrefix(packet, opusHead) || bytes.HasPrefix(packet, opusTags) {
			continue
		}

		select {
		case s.frames <- packet:
		case <-s.stop:
			return
		}
	}
}

// CanProvide returns false once the stream has been played to the end.
func (s *Source) CanProvide() bool {
	select {
	case <-s.done:
		return len(s.frames) > 0
	default:
		return true
	}
}

// Provide20MsAudio returns the next frame, or nil if the reader has not caught
// up yet.
func (s *Source) Provide20MsAudio() []byte {
	select {
	case f := <-s.frames:
		return f
	default:
		return nil
	}
}

// Done is closed once the stream has been read completely or Close is called.
func (s *Source) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped reading, if any. It is only valid after
// Done is closed.
func (s *Source) Err() error {
	<-s.done
	return s.err
}

// Close stops reading. Frames already read ahead are dropped.
func (s *Source) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done

	for range s.frames {
	}

	return nil
}
