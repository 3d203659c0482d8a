package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"renki.org/internal/auth"
	"renki.org/internal/obs"
	"renki.org/internal/ticket"
)

// Conn is one live TCP/TLS session with a downstream service. A single
// goroutine owns the run loop; other goroutines may only enqueue outbound
// messages through the queue.
type Conn struct {
	id       string
	sock     net.Conn
	framer   *Framer
	queue    *Queue
	handlers map[MsgType]Handler

	stop *Token
	done chan struct{}

	closeOnce sync.Once
	nextID    atomic.Int64

	mu       sync.RWMutex
	user     auth.User
	serverID string
	authed   bool
}

func newConn(sock net.Conn, handlers map[MsgType]Handler, readTimeout time.Duration) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		sock:     sock,
		framer:   NewFramer(sock, readTimeout),
		queue:    NewQueue(),
		handlers: handlers,
		stop:     NewToken(),
		done:     make(chan struct{}),
	}
}

// ID returns the connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.sock.RemoteAddr().String()
}

// Finished reports whether the run loop has exited.
func (c *Conn) Finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Queue exposes the outbound message queue.
func (c *Conn) Queue() *Queue { return c.queue }

// setIdentity records a successful handshake.
func (c *Conn) setIdentity(user auth.User, serverID string) {
	c.mu.Lock()
	c.user = user
	c.serverID = serverID
	c.authed = true
	c.mu.Unlock()
}

// Identity returns the authenticated user and claimed server id.
func (c *Conn) Identity() (auth.User, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.serverID, c.authed
}

// run drives the connection until stop, peer disconnect or a fatal error.
// Each iteration receives at most one inbound message and then flushes any
// queued outbound messages; the bounded read timeout is what lets one
// goroutine interleave both directions.
func (c *Conn) run(ctx context.Context) {
	obs.ConnOpened()
	defer func() {
		c.Close()
		obs.ConnClosed()
		close(c.done)
	}()

	obs.LogEvent("socket", "connection open", map[string]any{
		"conn": c.id, "peer": c.RemoteAddr(),
	})

	for !c.stop.Stopped() {
		data, err := c.framer.Recv()
		if err != nil {
			if err != ErrClosed {
				obs.LogEvent("socket", "connection error", map[string]any{
					"conn": c.id, "error": err.Error(),
				})
			}
			break
		}
		if data != nil {
			c.handleMessage(ctx, data)
		}
		if err := c.flushOutbound(); err != nil {
			obs.LogEvent("socket", "send failed", map[string]any{
				"conn": c.id, "error": err.Error(),
			})
			break
		}
	}

	obs.LogEvent("socket", "connection closed", map[string]any{"conn": c.id})
}

// handleMessage validates the envelope and dispatches to a typed handler.
// Protocol violations are answered in-band and never tear the connection
// down; only the read path decides that.
func (c *Conn) handleMessage(ctx context.Context, data []byte) {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		// Keepalive, not an error.
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		c.respondError(nil, errBadJSON.Error())
		return
	}

	id, ok := coerceID(fields["id"])
	if !ok {
		c.respondError(nil, errMissingID.Error())
		return
	}

	rawType, present := fields["type"]
	if !present {
		c.respondError(&id, errMissingType.Error())
		return
	}
	typeNum, ok := coerceID(rawType)
	if !ok || !KnownType(typeNum) {
		c.respondError(&id, errUnknownType.Error())
		return
	}
	env := Envelope{ID: id, Type: MsgType(typeNum), Fields: fields}
	obs.CountMessage("in", env.Type.String())

	switch env.Type {
	case TypeNOP:
		// Liveness probe: accepted, never answered.
		return
	case TypeOK:
		// An OK matching a message we sent is the peer's acknowledgment;
		// consume it silently. Any other OK gets the default ack.
		if m := c.queue.Ack(env.ID); m != nil {
			return
		}
	}

	c.dispatch(ctx, env)
}

// dispatch runs the registered handler for the type, defaulting to a bare
// OK acknowledgment. A handler failure is answered with a generic internal
// error and the connection keeps running.
func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	handler, ok := c.handlers[env.Type]
	if !ok {
		c.respondOK(env.ID, nil)
		return
	}

	extra, err := func() (extra map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler.Handle(ctx, c, env)
	}()
	if err != nil {
		if err == errHandshakeDenied {
			// No reason on handshake failures.
			c.respondError(&env.ID, "")
			return
		}
		obs.LogEvent("socket", "handler error", map[string]any{
			"conn": c.id, "type": env.Type.String(), "error": err.Error(),
		})
		c.respondError(&env.ID, "Internal server error")
		return
	}
	c.respondOK(env.ID, extra)
}

func (c *Conn) respondOK(id int64, extra map[string]any) {
	c.writePayload(okPayload(id, extra), TypeOK)
}

func (c *Conn) respondError(id *int64, reason string) {
	c.writePayload(errorPayload(id, reason), TypeError)
}

func (c *Conn) writePayload(payload map[string]any, t MsgType) {
	if err := c.framer.write(payload); err != nil {
		obs.LogEvent("socket", "write failed", map[string]any{
			"conn": c.id, "error": err.Error(),
		})
		c.stop.Stop()
		return
	}
	obs.CountMessage("out", t.String())
}

// SendTicket enqueues a TICKET push for this connection and returns the
// message handle so the caller can watch for the acknowledgment.
func (c *Conn) SendTicket(t ticket.Ticket) *Message {
	id := c.nextID.Add(1)
	payload := map[string]any{
		"id":     id,
		"type":   int(TypeTicket),
		"ticket": t,
	}
	return c.queue.Enqueue(id, payload)
}

// flushOutbound writes every queued NotSent message, advancing each to
// WaitingOK once it is on the wire.
func (c *Conn) flushOutbound() error {
	for _, m := range c.queue.Unsent() {
		if err := c.framer.write(m.Payload); err != nil {
			return err
		}
		c.queue.MarkWaiting(m)
		if t, ok := coerceID(m.Payload["type"]); ok {
			obs.CountMessage("out", MsgType(t).String())
		}
	}
	return nil
}

// Close shuts the socket down in both directions. Idempotent; errors from
// an already-dead socket are logged, not propagated.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stop.Stop()
		type closeWriter interface{ CloseWrite() error }
		if cw, ok := c.sock.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil {
				obs.LogEvent("socket", "shutdown failed", map[string]any{
					"conn": c.id, "error": err.Error(),
				})
			}
		}
		if err := c.sock.Close(); err != nil {
			obs.LogEvent("socket", "close failed", map[string]any{
				"conn": c.id, "error": err.Error(),
			})
		}
	})
}
