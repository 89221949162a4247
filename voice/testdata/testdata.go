// Package testdata provides scripted audio sources for voice tests.
package testdata

import (
	"encoding/binary"
	"sync"
)

// Frame returns a fake Opus frame that encodes i, so tests can tell frames
// apart after a round trip.
func Frame(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], 0xC0FFEE00)
	binary.BigEndian.PutUint32(b[4:8], uint32(i))
	return b
}

// Frames returns n distinct fake frames.
func Frames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = Frame(i)
	}
	return frames
}

// Script is an AudioSource that plays back a fixed list of frames, one per
// poll. A nil entry is a poll without audio. Once the script runs out,
// CanProvide returns false.
type Script struct {
	mu     sync.Mutex
	frames [][]byte
	polled int
}

// NewScript creates a Script over the given frames.
func NewScript(frames ...[]byte) *Script {
	return &Script{frames: frames}
}

func (s *Script) CanProvide() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.polled < len(s.frames)
}

func (s *Script) Provide20MsAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.polled >= len(s.frames) {
		return nil
	}

	f := s.frames[s.polled]
	s.polled++
	return f
}

// Polled returns the number of frames handed out so far.
func (s *Script) Polled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.polled
}

// Endless is an AudioSource that always provides a frame.
type Endless struct {
	mu sync.Mutex
	n  int
}

func (e *Endless) CanProvide() bool { return true }

func (e *Endless) Provide20MsAudio() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.n++
	return Frame(e.n)
}

// Panicking is an AudioSource whose Provide20MsAudio panics.
type Panicking struct{}

func (Panicking) CanProvide() bool         { return true }
func (Panicking) Provide20MsAudio() []byte { panic("source exploded") }
