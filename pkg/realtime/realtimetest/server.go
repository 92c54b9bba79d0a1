// Package realtimetest provides an in-process WebSocket server for testing
// realtime consumers.
package realtimetest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ProbePath is the endpoint the server answers probes on.
const ProbePath = "/ws/test/"

// Server accepts WebSocket connections on any path. Connections to ProbePath
// are accepted and immediately closed normally.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader
	accepted chan *Conn

	// OnConnect, if set, is called for each accepted non-probe connection
	// before it is handed to Accept.
	OnConnect func(*Conn)

	probes      atomic.Int32
	dials       atomic.Int32
	rejectProbe atomic.Bool
	rejectDial  atomic.Bool
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{accepted: make(chan *Conn, 64)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// URL for path.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + path
}

// ProbeURL returns the ws:// URL of the probe endpoint.
func (s *Server) ProbeURL() string {
	return s.URL(ProbePath)
}

// RejectProbes makes probes fail with 503 while set.
func (s *Server) RejectProbes(reject bool) { s.rejectProbe.Store(reject) }

// RejectDials makes non-probe connections fail with 503 while set.
func (s *Server) RejectDials(reject bool) { s.rejectDial.Store(reject) }

// Probes returns the number of probe requests received.
func (s *Server) Probes() int { return int(s.probes.Load()) }

// Dials returns the number of non-probe connection requests received.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Accept waits for the next accepted connection.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()

	select {
	case c := <-s.accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("realtimetest: no connection accepted")
		return nil
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == ProbePath {
		s.probes.Add(1)
		if s.rejectProbe.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
		return
	}

	s.dials.Add(1)
	if s.rejectDial.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		ws:       ws,
		Path:     r.URL.Path,
		Token:    r.URL.Query().Get("token"),
		received: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go c.readLoop()

	if s.OnConnect != nil {
		s.OnConnect(c)
	}
	s.accepted <- c
}

// Conn is the server side of an accepted connection.
type Conn struct {
	Path  string
	Token string

	ws       *websocket.Conn
	writeMu  sync.Mutex
	received chan []byte
	closed   chan struct{}
}

func (c *Conn) readLoop() {
	defer close(c.closed)
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.received <- data
	}
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(t testing.TB, v any) {
	t.Helper()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.ws.WriteJSON(v))
}

// SendRaw writes data as a text frame.
func (c *Conn) SendRaw(t testing.TB, data []byte) {
	t.Helper()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, data))
}

// Next waits for the next frame sent by the client.
func (c *Conn) Next(t testing.TB) []byte {
	t.Helper()

	select {
	case data := <-c.received:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("realtimetest: no frame received")
		return nil
	}
}

// Drop closes the underlying connection without a close frame, which the
// client sees as an abnormal closure.
func (c *Conn) Drop() {
	_ = c.ws.UnderlyingConn().Close()
}

// CloseNormal sends a 1000 close frame and closes the connection.
func (c *Conn) CloseNormal() {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// Closed is closed once the client side has gone away.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}
