package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/learnsync/learnsync/internal/types"
)

// Conn is the write side of a device connection.
type Conn interface {
	Send(ctx context.Context, msg ServerMessage) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WSConn adapts a coder/websocket connection to Conn.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewWSConn wraps ws. Writes time out after writeTimeout.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

// Send writes msg as a text frame.
func (c *WSConn) Send(ctx context.Context, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDeliveryFailed, err)
	}
	return nil
}

// Ping sends a WebSocket ping and waits for the pong. A concurrent
// reader must be running for the pong to be observed.
func (c *WSConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close closes the connection with a normal closure status.
func (c *WSConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
