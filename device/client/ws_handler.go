package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/scanhub-os/scanhub/common/logger"
	"github.com/scanhub-os/scanhub/common/ws"
)

// Handler owns the device's websocket connection to the server. It carries
// the identity headers on dial and exposes the send/receive primitives the
// client needs. Reconnection is the caller's responsibility: the client
// observes a closed/error state and re-dials after a fixed delay.
type Handler struct {
	uri              string
	deviceID         string
	deviceToken      string
	tlsCfg           *tls.Config
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	log              *logger.Logger

	mu   sync.RWMutex
	conn *ws.Conn
}

// NewHandler creates a connection handler for the given server URI and device
// credentials. caFile may be empty to use system roots.
func NewHandler(uri, deviceID, deviceToken, caFile string, log *logger.Logger) (*Handler, error) {
	h := &Handler{
		uri:              uri,
		deviceID:         deviceID,
		deviceToken:      deviceToken,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		log:              log,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		h.tlsCfg = &tls.Config{RootCAs: pool}
	}

	return h, nil
}

// Connect establishes the websocket connection, carrying the device identity
// headers for the server-side handshake. An existing connection is closed first.
func (h *Handler) Connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}

	u, err := url.Parse(h.uri)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket URL
	default:
		return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	header := http.Header{}
	header.Set("Device-Id", h.deviceID)
	header.Set("Device-Token", h.deviceToken)

	conn, resp, err := ws.Dial(u.String(), header, h.tlsCfg, h.handshakeTimeout)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connection failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connection failed: %w", err)
	}

	h.conn = conn
	h.log.Info("Connected to server", "url", u.String())
	return nil
}

// IsConnected reports whether a connection is currently established.
func (h *Handler) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Receive yields the next inbound frame or an error once the connection closes.
func (h *Handler) Receive() (int, []byte, error) {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		return 0, nil, ErrNotConnected
	}
	return conn.Read()
}

// SendJSON transmits v as a JSON text frame.
func (h *Handler) SendJSON(v interface{}) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(v, h.writeTimeout)
}

// SendBinary transmits one binary frame.
func (h *Handler) SendBinary(b []byte) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteBinary(b, h.writeTimeout)
}

// Close performs a clean shutdown of the connection.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return nil
	}
	err := h.conn.CloseNormal()
	h.conn = nil
	return err
}
