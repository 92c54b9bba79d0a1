package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)
}

// WebsocketDialer adapts a gorilla *websocket.Dialer to Dialer.
type WebsocketDialer struct {
	*websocket.Dialer
}

// DefaultDialer dials with gorilla's defaults.
var DefaultDialer Dialer = WebsocketDialer{Dialer: websocket.DefaultDialer}

func (d WebsocketDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// isNormalClosure reports whether err is a close frame with code 1000.
func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// closeNormally sends a 1000 close frame and closes the connection.
func closeNormally(conn Conn) error {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
