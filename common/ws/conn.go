// Package ws wraps gorilla/websocket with the small connection and message
// primitives shared by the ScanHub server and device SDK.
package ws

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame type constants re-exported so callers do not import gorilla directly.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// ErrClosed is returned when operating on a nil or closed connection.
var ErrClosed = errors.New("websocket: connection is closed")

// Conn is a thin wrapper around *websocket.Conn exposing the send/receive
// primitives used by server and device code.
type Conn struct {
	c *websocket.Conn
	// writeMu serializes all writes to the underlying websocket.Conn.
	// Gorilla websocket Conn panics on concurrent writes; protect against that here.
	writeMu sync.Mutex
}

// Dial connects to the given WebSocket URL and returns a wrapped Conn and HTTP response.
// tlsCfg may be nil to use default TLS settings.
// The URL is validated to only allow ws/wss schemes before dialing.
func Dial(urlStr string, reqHeader http.Header, tlsCfg *tls.Config, handshakeTimeout time.Duration) (*Conn, *http.Response, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid websocket URL: %w", err)
	}

	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, nil, fmt.Errorf("URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: handshakeTimeout, TLSClientConfig: tlsCfg}
	c, resp, err := dialer.Dial(parsed.String(), reqHeader)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// UpgradeHTTP upgrades an incoming HTTP request to a websocket Conn using a permissive upgrader.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// Read returns the next inbound frame along with its frame type
// (TextMessage or BinaryMessage).
func (cw *Conn) Read() (int, []byte, error) {
	if cw == nil || cw.c == nil {
		return 0, nil, ErrClosed
	}
	return cw.c.ReadMessage()
}

// WriteJSON marshals v and writes it as a text frame with a write deadline.
func (cw *Conn) WriteJSON(v interface{}, timeout time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return cw.write(websocket.TextMessage, payload, timeout)
}

// WriteText writes raw bytes as a text frame.
func (cw *Conn) WriteText(b []byte, timeout time.Duration) error {
	return cw.write(websocket.TextMessage, b, timeout)
}

// WriteBinary writes raw bytes as a binary frame. Used for file chunk streaming.
func (cw *Conn) WriteBinary(b []byte, timeout time.Duration) error {
	return cw.write(websocket.BinaryMessage, b, timeout)
}

func (cw *Conn) write(messageType int, b []byte, timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	// Serialize write operations to avoid gorilla websocket concurrent write panics.
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(messageType, b)
}

// WritePing sends a ping control message.
func (cw *Conn) WritePing(timeout time.Duration) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	cw.writeMu.Lock()
	defer cw.writeMu.Unlock()

	if timeout > 0 {
		cw.c.SetWriteDeadline(time.Now().Add(timeout))
	}
	return cw.c.WriteMessage(websocket.PingMessage, nil)
}

// ClosePolicyViolation sends a 1008 close frame with the given reason and
// closes the connection. Used for authentication rejections.
func (cw *Conn) ClosePolicyViolation(reason string) error {
	if cw == nil || cw.c == nil {
		return nil
	}
	cw.writeMu.Lock()
	cw.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	cw.c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	cw.writeMu.Unlock()
	return cw.c.Close()
}

// CloseNormal sends a normal close frame before closing, giving the peer a
// chance to observe a clean shutdown.
func (cw *Conn) CloseNormal() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	cw.writeMu.Lock()
	cw.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	cw.c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cw.writeMu.Unlock()
	return cw.c.Close()
}

// Close closes the underlying websocket connection.
func (cw *Conn) Close() error {
	if cw == nil || cw.c == nil {
		return nil
	}
	return cw.c.Close()
}

// SetReadDeadline sets read deadline on underlying conn.
func (cw *Conn) SetReadDeadline(t time.Time) error {
	if cw == nil || cw.c == nil {
		return ErrClosed
	}
	return cw.c.SetReadDeadline(t)
}

// SetPongHandler sets the pong handler for transport-level keepalive.
func (cw *Conn) SetPongHandler(h func(string) error) {
	if cw == nil || cw.c == nil {
		return
	}
	cw.c.SetPongHandler(h)
}

// RemoteAddr returns the remote address if available.
func (cw *Conn) RemoteAddr() string {
	if cw == nil || cw.c == nil || cw.c.RemoteAddr() == nil {
		return ""
	}
	return cw.c.RemoteAddr().String()
}

// IsUnexpectedCloseError helper
func IsUnexpectedCloseError(err error, codes ...int) bool {
	return websocket.IsUnexpectedCloseError(err, codes...)
}

// IsCloseError reports whether err is a websocket close error with one of the codes.
func IsCloseError(err error, codes ...int) bool {
	return websocket.IsCloseError(err, codes...)
}
