package socket

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"
)

const (
	// maxMessageBytes caps accumulation for one logical message.
	maxMessageBytes = 1 << 20

	readChunkSize = 4096

	// drainTimeout bounds the wait for the remainder of a partially
	// received message.
	drainTimeout = 50 * time.Millisecond
)

// ErrClosed signals that the peer closed the connection cleanly.
var ErrClosed = errors.New("connection closed by peer")

// Framer converts the raw byte stream of one connection into discrete
// JSON messages. It never trusts the peer: accumulation is bounded and
// every timeout is explicit.
type Framer struct {
	conn        net.Conn
	readTimeout time.Duration
	pending     []byte
}

// NewFramer wraps a connection. readTimeout is the per-poll blocking
// bound; the run loop re-checks its stop token at this interval.
func NewFramer(conn net.Conn, readTimeout time.Duration) *Framer {
	if readTimeout <= 0 {
		readTimeout = time.Second
	}
	return &Framer{conn: conn, readTimeout: readTimeout}
}

// Recv reads one message worth of bytes.
//
// Returns (nil, nil) when nothing arrived within the poll timeout — not an
// error, the caller simply loops. Returns (data, nil) once a complete JSON
// value is buffered, or when the peer pauses mid-message (the protocol
// layer then rejects the fragment). Returns ErrClosed on a clean peer
// close with nothing buffered; any other socket error is fatal for the
// connection.
func (f *Framer) Recv() ([]byte, error) {
	if msg := f.extract(); msg != nil {
		return msg, nil
	}
	if err := f.conn.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
		return nil, err
	}

	chunk := make([]byte, readChunkSize)
	for len(f.pending) < maxMessageBytes {
		n, err := f.conn.Read(chunk)
		if n > 0 {
			f.pending = append(f.pending, chunk[:n]...)
			if msg := f.extract(); msg != nil {
				return msg, nil
			}
			// Partial message: wait briefly for the rest.
			if derr := f.conn.SetReadDeadline(time.Now().Add(drainTimeout)); derr != nil {
				return f.flush(), nil
			}
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(f.pending) == 0 {
				return nil, ErrClosed
			}
			return f.flush(), nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if len(f.pending) == 0 {
				return nil, nil
			}
			return f.flush(), nil
		}
		return nil, err
	}
	return f.flush(), nil
}

// extract pops the first complete JSON value off the pending buffer, or
// returns nil when none is buffered yet.
func (f *Framer) extract() []byte {
	trimmed := bytes.TrimLeft(f.pending, " \t\r\n")
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil
	}
	f.pending = append([]byte(nil), trimmed[dec.InputOffset():]...)
	return raw
}

// flush hands back whatever partial data accumulated, clearing the buffer.
func (f *Framer) flush() []byte {
	out := f.pending
	f.pending = nil
	return out
}

// write serializes payload and sends it with a bounded deadline.
func (f *Framer) write(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err = f.conn.Write(data)
	return err
}
