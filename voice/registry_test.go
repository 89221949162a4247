package voice

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/diamondburned/magma/discord"
	"github.com/diamondburned/magma/utils/ws"
	"github.com/diamondburned/magma/voice/rtp"
	"github.com/diamondburned/magma/voice/testdata"
	"github.com/diamondburned/magma/voice/udp"
	"github.com/diamondburned/magma/voice/voicegateway"
	"github.com/diamondburned/magma/voice/voicegateway/voicegatewaytest"
)

var testKey = func() (key [32]byte) {
	for i := range key {
		key[i] = byte(i + 1)
	}
	return
}()

// keyJSON returns testKey the way Discord encodes it: an array of numbers.
func keyJSON() []int {
	ints := make([]int, len(testKey))
	for i, b := range testKey {
		ints[i] = int(b)
	}
	return ints
}

var alice = Member{UserID: 2, GuildID: 1}

// voiceServer is a loopback UDP voice server. It answers IP discovery and
// hands every other datagram to Packets.
type voiceServer struct {
	conn    *net.UDPConn
	Packets chan []byte
}

func newVoiceServer(t *testing.T) *voiceServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal("Failed to listen:", err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &voiceServer{
		conn:    conn,
		Packets: make(chan []byte, 64),
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}

			if n != udp.DiscoverySize {
				b := append([]byte(nil), buf[:n]...)
				select {
				case s.Packets <- b:
				default:
				}
				continue
			}

			resp := make([]byte, udp.DiscoverySize)
			copy(resp[0:4], buf[0:4])
			copy(resp[4:], from.IP.String())
			binary.LittleEndian.PutUint16(resp[68:], uint16(from.Port))
			conn.WriteToUDP(resp, from)
		}
	}()

	return s
}

func (s *voiceServer) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestRegistry(t *testing.T, srv *voicegatewaytest.Server, opts ...func(*Options)) *Registry {
	t.Helper()

	logger := zerolog.Nop()

	o := Options{
		Dialer:  srv.Dialer(),
		Timeout: time.Second,
		Discovery: udp.DiscoveryOpts{
			Attempts:    5,
			ReadTimeout: 200 * time.Millisecond,
			Pause:       time.Millisecond,
		},
		Logger: &logger,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := NewRegistry(o)
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	return r
}

func update(srv *voicegatewaytest.Server, m Member, token string) VoiceServerUpdate {
	return VoiceServerUpdate{
		Member: m,
		ServerUpdate: ServerUpdate{
			SessionID: "session",
			Endpoint:  srv.Endpoint(),
			Token:     token,
		},
	}
}

func submit(t *testing.T, r *Registry, ev Event) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Submit(ctx, ev); err != nil {
		t.Fatal("Failed to submit:", err)
	}
}

func nextEvent(t *testing.T, r *Registry) WebSocketClosed {
	t.Helper()

	select {
	case ev, ok := <-r.Events():
		if !ok {
			t.Fatal("Events channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a close notification")
		return WebSocketClosed{}
	}
}

// eventually polls the connection states until ok accepts them.
func eventually(t *testing.T, r *Registry, ok func([]MemberState) bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		states := r.ConnectionStates()
		if ok(states) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Unexpected connection states:", spew.Sdump(states))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func phaseIs(m Member, phase voicegateway.Phase) func([]MemberState) bool {
	return func(states []MemberState) bool {
		for _, s := range states {
			if s.Member == m {
				return s.Phase == phase
			}
		}
		return false
	}
}

func isEmpty(states []MemberState) bool { return len(states) == 0 }

// fastDial lets a gateway redial right away, which resuming needs.
func fastDial(t *testing.T) {
	old := ws.DialInterval
	ws.DialInterval = 10 * time.Millisecond
	t.Cleanup(func() { ws.DialInterval = old })
}

// identify sends Hello and checks the Identify that follows.
func identify(c *voicegatewaytest.Conn, m Member, token string) error {
	if err := c.Hello(time.Second); err != nil {
		return err
	}

	var id voicegateway.IdentifyCommand
	if err := c.Expect(0, &id); err != nil {
		return err
	}
	if id.UserID != m.UserID || id.GuildID != m.GuildID || id.Token != token {
		return errors.Errorf("unexpected identify: %+v", id)
	}

	return nil
}

func sendReady(c *voicegatewaytest.Conn, udpPort int, modes ...string) error {
	return c.Send(2, map[string]interface{}{
		"ssrc":  7,
		"ip":    "127.0.0.1",
		"port":  udpPort,
		"modes": modes,
	})
}

// handshake plays the server side up to the session description. It returns
// the SelectProtocol data the client sent.
func handshake(c *voicegatewaytest.Conn, udpPort int, m Member, token string) (voicegateway.SelectProtocolData, error) {
	var sel voicegateway.SelectProtocolCommand

	if err := identify(c, m, token); err != nil {
		return sel.Data, err
	}

	err := sendReady(c, udpPort, "xsalsa20_poly1305", "xsalsa20_poly1305_lite")
	if err != nil {
		return sel.Data, err
	}

	if err := c.Expect(1, &sel); err != nil {
		return sel.Data, err
	}

	err = c.Send(4, map[string]interface{}{
		"mode":       sel.Data.Mode,
		"secret_key": keyJSON(),
	})

	return sel.Data, err
}

func accept(t *testing.T, srv *voicegatewaytest.Server) *voicegatewaytest.Conn {
	t.Helper()

	c, err := srv.Accept()
	if err != nil {
		t.Fatal("Failed to accept:", err)
	}
	return c
}

func TestRegistryEndToEnd(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	vs := newVoiceServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, update(srv, alice, "token"))
	c := accept(t, srv)

	sel, err := handshake(c, vs.Port(), alice, "token")
	if err != nil {
		t.Fatal("Handshake failed:", err)
	}

	if sel.Mode != rtp.Lite.Key() {
		t.Fatal("Unexpected mode selected:", sel.Mode)
	}
	if sel.Address != "127.0.0.1" || sel.Port == 0 {
		t.Fatal("Unexpected external address:", spew.Sdump(sel))
	}

	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	// Identical update: no reconnect.
	submit(t, r, update(srv, alice, "token"))

	submit(t, r, SetAudioSource{alice, testdata.NewScript(testdata.Frames(3)...)})

	var speaking voicegateway.SpeakingCommand
	if err := c.Expect(5, &speaking); err != nil {
		t.Fatal("Failed to get speaking:", err)
	}
	expect := voicegateway.SpeakingCommand{Speaking: voicegateway.Microphone, SSRC: 7}
	if diff := cmp.Diff(expect, speaking); diff != "" {
		t.Fatal("Unexpected speaking (-want +got):", diff)
	}

	var payloads [][]byte
	for i := 0; i < 3+udp.SilenceFrames; i++ {
		select {
		case b := <-vs.Packets:
			p, err := rtp.Open(b, rtp.Lite, &testKey)
			if err != nil {
				t.Fatal("Failed to open packet:", err)
			}
			if p.SSRC != 7 {
				t.Fatal("Unexpected SSRC:", p.SSRC)
			}
			payloads = append(payloads, p.Payload)
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for packet", i)
		}
	}

	expectPayloads := testdata.Frames(3)
	for i := 0; i < udp.SilenceFrames; i++ {
		expectPayloads = append(expectPayloads, udp.Silence)
	}
	if diff := cmp.Diff(expectPayloads, payloads); diff != "" {
		t.Fatal("Unexpected payloads (-want +got):", diff)
	}

	if err := c.Expect(5, &speaking); err != nil {
		t.Fatal("Failed to get speaking:", err)
	}
	if speaking.Speaking != voicegateway.NotSpeaking {
		t.Fatal("Still speaking:", speaking.Speaking)
	}

	select {
	case extra := <-srv.Conns:
		extra.Close(1000, "")
		t.Fatal("Identical update reconnected")
	default:
	}

	submit(t, r, CloseConnection{alice})

	code, reason, err := c.Closed()
	if err != nil {
		t.Fatal("Failed to wait for close:", err)
	}
	if code != 1000 || reason != "Closed by client" {
		t.Fatalf("Unexpected close %d %q", code, reason)
	}

	expectEv := WebSocketClosed{Member: alice, CloseCode: 1000, Reason: "Closed by client"}
	if diff := cmp.Diff(expectEv, nextEvent(t, r)); diff != "" {
		t.Fatal("Unexpected close notification (-want +got):", diff)
	}

	if states := r.ConnectionStates(); len(states) != 0 {
		t.Fatal("Connection still listed:", spew.Sdump(states))
	}
}

func TestRegistryRemoteClose(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	vs := newVoiceServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, update(srv, alice, "token"))
	c := accept(t, srv)

	if _, err := handshake(c, vs.Port(), alice, "token"); err != nil {
		t.Fatal("Handshake failed:", err)
	}
	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	c.Close(4014, "Disconnected")

	expect := WebSocketClosed{Member: alice, CloseCode: 4014, Reason: "Disconnected", ByRemote: true}
	if diff := cmp.Diff(expect, nextEvent(t, r)); diff != "" {
		t.Fatal("Unexpected close notification (-want +got):", diff)
	}

	eventually(t, r, isEmpty)
}

func TestRegistryResume(t *testing.T) {
	fastDial(t)

	srv := voicegatewaytest.NewServer(t)
	vs := newVoiceServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, update(srv, alice, "token"))
	c := accept(t, srv)

	if _, err := handshake(c, vs.Port(), alice, "token"); err != nil {
		t.Fatal("Handshake failed:", err)
	}
	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	// Losing the transport closes with 1006, which is resumed.
	srv.DropClients()

	resumed := accept(t, srv)

	if !phaseIs(alice, voicegateway.Resuming)(r.ConnectionStates()) {
		t.Fatal("Not resuming:", spew.Sdump(r.ConnectionStates()))
	}

	if err := resumed.Hello(time.Second); err != nil {
		t.Fatal("Failed to send hello:", err)
	}

	var resume voicegateway.ResumeCommand
	if err := resumed.Expect(7, &resume); err != nil {
		t.Fatal("Failed to get resume:", err)
	}

	expect := voicegateway.ResumeCommand{
		GuildID:   alice.GuildID,
		SessionID: "session",
		Token:     "token",
	}
	if diff := cmp.Diff(expect, resume); diff != "" {
		t.Fatal("Unexpected resume (-want +got):", diff)
	}

	if err := resumed.Send(9, nil); err != nil {
		t.Fatal("Failed to send resumed:", err)
	}

	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	select {
	case ev := <-r.Events():
		t.Fatal("Resuming reported a close:", spew.Sdump(ev))
	default:
	}
}

func TestRegistryNoCommonMode(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	vs := newVoiceServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, update(srv, alice, "token"))
	c := accept(t, srv)

	if err := identify(c, alice, "token"); err != nil {
		t.Fatal("Failed to identify:", err)
	}
	if err := sendReady(c, vs.Port(), "aead_aes256_gcm_rtpsize"); err != nil {
		t.Fatal("Failed to send ready:", err)
	}

	closed := nextEvent(t, r)
	if closed.Member != alice || closed.CloseCode != 4016 || closed.ByRemote {
		t.Fatal("Unexpected close notification:", spew.Sdump(closed))
	}

	code, _, err := c.Closed()
	if err != nil {
		t.Fatal("Failed to wait for close:", err)
	}
	if code != 1000 {
		t.Fatal("Gateway closed with", code)
	}

	eventually(t, r, isEmpty)
}

func TestRegistryDiscoveryExhausted(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal("Failed to listen:", err)
	}
	defer silent.Close()

	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv, func(o *Options) {
		o.Discovery = udp.DiscoveryOpts{
			Attempts:    2,
			ReadTimeout: 20 * time.Millisecond,
			Pause:       time.Millisecond,
		}
	})

	submit(t, r, update(srv, alice, "token"))
	c := accept(t, srv)

	if err := identify(c, alice, "token"); err != nil {
		t.Fatal("Failed to identify:", err)
	}

	port := silent.LocalAddr().(*net.UDPAddr).Port
	if err := sendReady(c, port, "xsalsa20_poly1305_lite"); err != nil {
		t.Fatal("Failed to send ready:", err)
	}

	closed := nextEvent(t, r)
	if closed.Member != alice || closed.CloseCode != 1000 || closed.ByRemote {
		t.Fatal("Unexpected close notification:", spew.Sdump(closed))
	}
	if !strings.Contains(closed.Reason, udp.ErrDiscoveryExhausted.Error()) {
		t.Fatal("Unexpected close reason:", closed.Reason)
	}

	eventually(t, r, isEmpty)
}

func TestRegistryCloseRacesSubmit(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv)

	for i := 0; i < 50; i++ {
		m := Member{UserID: discord.UserID(100 + i), GuildID: 1}

		submit(t, r, SetAudioSource{m, &testdata.Endless{}})

		c, ok := r.conns.Load(m)
		if !ok {
			t.Fatal("No connection after submit")
		}

		// The connection exits on its own while the next event is submitted.
		if err := c.post(context.Background(), CloseConnection{m}); err != nil {
			t.Fatal("Failed to post close:", err)
		}
		submit(t, r, SetSpeakingModes{m, []SpeakingMode{Priority}})

		if ev := nextEvent(t, r); ev.Member != m || ev.ByRemote {
			t.Fatal("Unexpected close notification:", spew.Sdump(ev))
		}

		// The submitted event lands on a fresh connection.
		eventually(t, r, func([]MemberState) bool {
			next, ok := r.conns.Load(m)
			return ok && next != c
		})

		submit(t, r, CloseConnection{m})

		if ev := nextEvent(t, r); ev.Member != m {
			t.Fatal("Unexpected close notification:", spew.Sdump(ev))
		}
		eventually(t, r, isEmpty)
	}
}

func TestRegistryReplaceSession(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	vs := newVoiceServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, update(srv, alice, "old"))
	old := accept(t, srv)

	if _, err := handshake(old, vs.Port(), alice, "old"); err != nil {
		t.Fatal("Handshake failed:", err)
	}
	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	submit(t, r, update(srv, alice, "new"))

	code, _, err := old.Closed()
	if err != nil {
		t.Fatal("Failed to wait for close:", err)
	}
	if code != 1000 {
		t.Fatal("Old session closed with", code)
	}

	c := accept(t, srv)
	if _, err := handshake(c, vs.Port(), alice, "new"); err != nil {
		t.Fatal("Second handshake failed:", err)
	}
	eventually(t, r, phaseIs(alice, voicegateway.Connected))

	select {
	case ev := <-r.Events():
		t.Fatal("Replacing a session reported a close:", spew.Sdump(ev))
	default:
	}
}

func TestRegistryConcurrentMembers(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv)

	bob := Member{UserID: 3, GuildID: 1}
	carol := Member{UserID: 2, GuildID: 0xFF}

	errs := make(chan error, 3)
	for _, m := range []Member{carol, bob, alice} {
		m := m
		go func() { errs <- r.Submit(context.Background(), update(srv, m, "token")) }()
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatal("Failed to submit:", err)
		}
	}

	for i := 0; i < 3; i++ {
		c := accept(t, srv)
		if err := c.Hello(time.Second); err != nil {
			t.Fatal("Failed to send hello:", err)
		}
		if err := c.Expect(0, nil); err != nil {
			t.Fatal("Failed to get identify:", err)
		}
	}

	states := r.ConnectionStates()

	var members []Member
	for _, s := range states {
		members = append(members, s.Member)
		if s.Phase != voicegateway.Connecting {
			t.Fatal("Unexpected phase:", spew.Sdump(s))
		}
	}

	expect := []Member{alice, bob, carol}
	if diff := cmp.Diff(expect, members); diff != "" {
		t.Fatal("Unexpected members (-want +got):", diff)
	}
}

func TestRegistryNoGateway(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv)

	submit(t, r, SetAudioSource{alice, &testdata.Endless{}})
	submit(t, r, SetSpeakingModes{alice, []SpeakingMode{Soundshare, Priority}})

	expect := []MemberState{{Member: alice, Phase: voicegateway.NoConnection}}
	if diff := cmp.Diff(expect, r.ConnectionStates()); diff != "" {
		t.Fatal("Unexpected states (-want +got):", diff)
	}

	// Closing an unknown member does nothing.
	submit(t, r, CloseConnection{Member{UserID: 9, GuildID: 9}})

	submit(t, r, CloseConnection{alice})
	if ev := nextEvent(t, r); ev.Member != alice || ev.ByRemote {
		t.Fatal("Unexpected close notification:", spew.Sdump(ev))
	}
}

func TestRegistryDialFailure(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv)

	ev := update(srv, alice, "token")
	srv.Close()

	submit(t, r, ev)

	closed := nextEvent(t, r)
	if closed.CloseCode != int(voicegateway.AbnormalClosure) || closed.ByRemote {
		t.Fatal("Unexpected close notification:", spew.Sdump(closed))
	}

	eventually(t, r, isEmpty)
}

func TestRegistryShutdown(t *testing.T) {
	srv := voicegatewaytest.NewServer(t)
	r := newTestRegistry(t, srv)

	bob := Member{UserID: 3, GuildID: 1}

	submit(t, r, update(srv, alice, "token"))
	submit(t, r, update(srv, bob, "token"))

	for i := 0; i < 2; i++ {
		c := accept(t, srv)
		if err := c.Hello(time.Second); err != nil {
			t.Fatal("Failed to send hello:", err)
		}
	}

	submit(t, r, Shutdown{})

	var closed []Member
	for ev := range r.Events() {
		if ev.CloseCode != 1000 || ev.ByRemote {
			t.Fatal("Unexpected close notification:", spew.Sdump(ev))
		}
		closed = append(closed, ev.Member)
	}

	if len(closed) != 2 {
		t.Fatal("Unexpected close notifications:", spew.Sdump(closed))
	}

	err := r.Submit(context.Background(), update(srv, alice, "token"))
	if !errors.Is(err, ErrShutdown) {
		t.Fatal("Expected ErrShutdown, got", err)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal("Second shutdown failed:", err)
	}
}

func TestSpeakingFlag(t *testing.T) {
	tests := []struct {
		modes  []SpeakingMode
		expect voicegateway.SpeakingFlag
	}{
		{nil, voicegateway.Microphone},
		{[]SpeakingMode{}, voicegateway.Microphone},
		{[]SpeakingMode{Soundshare}, voicegateway.Soundshare},
		{[]SpeakingMode{Voice, Priority}, voicegateway.Microphone | voicegateway.Priority},
		{[]SpeakingMode{Voice, Voice}, voicegateway.Microphone},
	}

	for _, test := range tests {
		if got := speakingFlag(test.modes); got != test.expect {
			t.Errorf("speakingFlag(%v) = %d, expected %d", test.modes, got, test.expect)
		}
	}
}
