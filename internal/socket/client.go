package socket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a minimal downstream-side implementation of the ticket
// protocol: dial, HELLO handshake, liveness probing and ticket
// acknowledgment. The smoke binary and the end-to-end tests use it.
type Client struct {
	conn   net.Conn
	framer *Framer
	nextID atomic.Int64
}

// Dial connects over TCP, or TLS when tlsConfig is non-nil.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: &d, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, framer: NewFramer(conn, time.Second)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Send writes one message without waiting for a reply and returns the
// assigned id.
func (c *Client) Send(t MsgType, fields map[string]any) (int64, error) {
	id := c.nextID.Add(1)
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["id"] = id
	payload["type"] = int(t)
	return id, c.framer.write(payload)
}

// SendRaw writes arbitrary bytes, for protocol testing.
func (c *Client) SendRaw(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// Recv waits up to timeout for one server message.
func (c *Client) Recv(timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, err := c.framer.Recv()
		if err != nil {
			return nil, err
		}
		if data != nil {
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("decode server message: %w", err)
			}
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// ErrTimeout reports that no server message arrived in time.
var ErrTimeout = errors.New("timed out waiting for server message")

// Request sends a message and waits for the reply carrying its id.
func (c *Client) Request(t MsgType, fields map[string]any, timeout time.Duration) (map[string]any, error) {
	id, err := c.Send(t, fields)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		msg, err := c.Recv(remaining)
		if err != nil {
			return nil, err
		}
		if got, ok := coerceID(msg["id"]); ok && got == id {
			return msg, nil
		}
		// Unrelated push (e.g. a ticket delivery); keep waiting.
	}
}

// Hello performs the authentication handshake.
func (c *Client) Hello(key, serverID string, timeout time.Duration) error {
	resp, err := c.Request(TypeHello, map[string]any{"key": key, "server": serverID}, timeout)
	if err != nil {
		return err
	}
	if t, ok := coerceID(resp["type"]); !ok || MsgType(t) != TypeOK {
		return errors.New("handshake rejected")
	}
	return nil
}

// AckTicket reports a ticket as applied downstream.
func (c *Client) AckTicket(ticketID string, timeout time.Duration) error {
	resp, err := c.Request(TypeTicket, map[string]any{"ticket_id": ticketID}, timeout)
	if err != nil {
		return err
	}
	if t, ok := coerceID(resp["type"]); !ok || MsgType(t) != TypeOK {
		return fmt.Errorf("ticket ack rejected: %v", resp["reason"])
	}
	return nil
}

// AckPush acknowledges a server-initiated message by echoing an OK with
// the same id.
func (c *Client) AckPush(id int64) error {
	return c.framer.write(map[string]any{"id": id, "type": int(TypeOK)})
}
