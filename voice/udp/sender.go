package udp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/diamondburned/magma/internal/lazytime"
)

// PacketProvider is polled by a Sender once per frame.
type PacketProvider interface {
	// NextPacket returns the next datagram, if there is one to send.
	NextPacket(maySignalStop bool) (Datagram, bool)
	// Conn returns the socket to send datagrams over.
	Conn() *net.UDPConn
}

// Sender paces a PacketProvider. Close must stop all polling before it
// returns.
type Sender interface {
	Start()
	Close()
}

// tickerSender polls its provider on a FrameDuration ticker.
type tickerSender struct {
	provider PacketProvider
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewTickerSender creates the default Sender: a goroutine polling the provider
// every FrameDuration and writing the datagrams out.
func NewTickerSender(p PacketProvider) Sender {
	return &tickerSender{
		provider: p,
		stop:     make(chan struct{}),
	}
}

func (s *tickerSender) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *tickerSender) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *tickerSender) loop() {
	defer s.wg.Done()

	var ticker lazytime.Ticker
	ticker.Reset(FrameDuration)
	defer ticker.Stop()

	conn := s.provider.Conn()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		d, ok := s.provider.NextPacket(true)
		if !ok {
			continue
		}

		if _, err := conn.WriteToUDP(d.Data, d.Addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Stringer("addr", d.Addr).Msg("failed to send voice packet")
		}
	}
}
