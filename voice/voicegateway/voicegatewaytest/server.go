// Package voicegatewaytest provides a scriptable fake voice gateway for tests.
package voicegatewaytest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Timeout bounds every read a Conn does.
var Timeout = 5 * time.Second

// Server is a TLS websocket server that hands every accepted connection to the
// test through Conns.
type Server struct {
	*httptest.Server
	Conns chan *Conn

	t      testing.TB
	ctx    context.Context
	cancel context.CancelFunc

	clientMu sync.Mutex
	clients  []net.Conn
}

// NewServer starts a Server that is closed on test cleanup.
func NewServer(t testing.TB) *Server {
	s := &Server{
		Conns: make(chan *Conn, 8),
		t:     t,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.cancel()
		s.Close()
	})

	return s
}

// Endpoint returns the endpoint as Discord would send it in a voice server
// update.
func (s *Server) Endpoint() string {
	return strings.TrimPrefix(s.URL, "https://") + ":80"
}

// Dialer returns a dialer that trusts the server's certificate. Connections
// it makes can be cut with DropClients.
func (s *Server) Dialer() *gorilla.Dialer {
	return &gorilla.Dialer{
		TLSClientConfig:  s.Client().Transport.(*http.Transport).TLSClientConfig,
		HandshakeTimeout: Timeout,
		NetDialContext:   s.dial,
	}
}

func (s *Server) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	s.clientMu.Lock()
	s.clients = append(s.clients, conn)
	s.clientMu.Unlock()

	return conn, nil
}

// DropClients closes the client side of every connection made through
// Dialer without a closing handshake, as if the network went away.
func (s *Server) DropClients() {
	s.clientMu.Lock()
	clients := s.clients
	s.clients = nil
	s.clientMu.Unlock()

	for _, conn := range clients {
		conn.Close()
	}
}

// Accept waits for the next connection.
func (s *Server) Accept() (*Conn, error) {
	select {
	case c := <-s.Conns:
		return c, nil
	case <-time.After(Timeout):
		return nil, errors.New("timed out waiting for a connection")
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("v"); v != "4" {
		http.Error(w, "unsupported version "+v, http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Error("Failed to accept websocket:", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)

	conn := &Conn{
		c:      c,
		ctx:    ctx,
		cancel: cancel,
	}

	s.Conns <- conn

	<-ctx.Done()
	c.Close(websocket.StatusGoingAway, "")
}

// Op is a raw voice gateway frame.
type Op struct {
	Code int             `json:"op"`
	Data json.RawMessage `json:"d"`
}

// Conn is one accepted client connection. Reads answer heartbeats
// transparently unless IgnoreHeartbeats is set.
type Conn struct {
	c      *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	IgnoreHeartbeats atomic.Bool
	Heartbeats       atomic.Int32
}

// Send writes one op.
func (c *Conn) Send(op int, data interface{}) error {
	ctx, cancel := context.WithTimeout(c.ctx, Timeout)
	defer cancel()

	return wsjson.Write(ctx, c.c, map[string]interface{}{"op": op, "d": data})
}

// Hello sends a Hello with the given heartbeat interval.
func (c *Conn) Hello(interval time.Duration) error {
	ms := float64(interval) / float64(time.Millisecond)
	return c.Send(8, map[string]interface{}{"heartbeat_interval": ms, "v": 4})
}

// Read reads the next op that is not a heartbeat.
func (c *Conn) Read() (Op, error) {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, Timeout)
		var op Op
		err := wsjson.Read(ctx, c.c, &op)
		cancel()

		if err != nil {
			return op, err
		}

		if op.Code != 3 {
			return op, nil
		}

		c.Heartbeats.Inc()

		if !c.IgnoreHeartbeats.Load() {
			if err := c.Send(6, op.Data); err != nil {
				return op, err
			}
		}
	}
}

// Expect reads the next op that is not a heartbeat, checks its code and
// unmarshals its data into v if v is not nil.
func (c *Conn) Expect(code int, v interface{}) error {
	op, err := c.Read()
	if err != nil {
		return errors.Wrapf(err, "failed to read op %d", code)
	}

	if op.Code != code {
		return errors.Errorf("expected op %d, got %d: %s", code, op.Code, op.Data)
	}

	if v != nil {
		if err := json.Unmarshal(op.Data, v); err != nil {
			return errors.Wrapf(err, "failed to unmarshal op %d", code)
		}
	}

	return nil
}

// Close closes the connection with the given code.
func (c *Conn) Close(code int, reason string) error {
	defer c.cancel()
	return c.c.Close(websocket.StatusCode(code), reason)
}

// Closed waits for the client to close the connection and returns its close
// code and reason.
func (c *Conn) Closed() (int, string, error) {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, Timeout)
		_, _, err := c.c.Read(ctx)
		cancel()

		if err == nil {
			continue
		}

		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.cancel()
			return int(closeErr.Code), closeErr.Reason, nil
		}

		return 0, "", err
	}
}
