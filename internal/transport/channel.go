// Package transport carries the graphics virtual-channel byte stream. The
// RDP layers below the channel (TLS, licensing, MCS) are outside this
// repository; what remains is a reliable, ordered duplex byte pipe, provided
// either by a plain TCP connection or by a WebSocket for gateway deployments.
package transport

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the duplex byte pipe the GFX context reads PDUs from and writes
// PDUs to. PDUs are self-delimiting, so no extra framing is required.
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// TCPChannel wraps a net.Conn as a Channel.
type TCPChannel struct {
	net.Conn
}

// NewTCPChannel wraps an accepted connection.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	return &TCPChannel{Conn: conn}
}

// ──────────────────────────────────────────────────────────────────────────────
// WebSocket carrier
// ──────────────────────────────────────────────────────────────────────────────

// WSChannel adapts a WebSocket connection into a byte-stream Channel: each
// Write becomes one binary message, Reads drain messages in order.
type WSChannel struct {
	conn *websocket.Conn

	reader io.Reader
}

// NewWSChannel wraps an upgraded WebSocket connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Read returns bytes from the current binary message, moving to the next
// message as each drains.
func (c *WSChannel) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (c *WSChannel) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and tears the connection down.
func (c *WSChannel) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
