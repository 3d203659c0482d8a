package socket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"renki.org/internal/auth"
	"renki.org/internal/obs"
	"renki.org/internal/ticket"
)

// Handler processes one recognized inbound message type. The returned map
// is merged into the OK acknowledgment; returning an error produces a
// generic internal-error response instead. Business handling per type is a
// plug-in point — the protocol layer stays type-agnostic.
type Handler interface {
	Handle(ctx context.Context, c *Conn, env Envelope) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn, env Envelope) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, c *Conn, env Envelope) (map[string]any, error) {
	return f(ctx, c, env)
}

// errHandshakeDenied is answered with a bare ERROR, no reason: the peer
// must not learn why the handshake failed.
var errHandshakeDenied = errors.New("handshake denied")

// HelloHandler authenticates the connection. The peer presents its API key
// and the server id it claims to be; both must check out before any
// tickets are pushed to this connection. On success the server's pending
// backlog is queued for push, so tickets recorded while the peer was
// offline are delivered on reconnect.
func HelloHandler(keys *auth.KeyService, ledger ticket.Service) HandlerFunc {
	return func(ctx context.Context, c *Conn, env Envelope) (map[string]any, error) {
		rawKey, _ := env.Fields["key"].(string)
		serverID, _ := env.Fields["server"].(string)
		serverID = strings.TrimSpace(serverID)
		if strings.TrimSpace(rawKey) == "" {
			return nil, errHandshakeDenied
		}
		user, err := keys.Resolve(ctx, rawKey)
		if err != nil {
			return nil, errHandshakeDenied
		}
		c.setIdentity(user, serverID)

		if ledger != nil && serverID != "" {
			backlog, err := ledger.Pending(ctx, serverID, 0)
			if err != nil {
				obs.LogEvent("socket", "backlog fetch failed", map[string]any{
					"conn": c.ID(), "server": serverID, "error": err.Error(),
				})
			}
			for _, t := range backlog {
				c.SendTicket(t)
			}
		}
		return nil, nil
	}
}

// TicketHandler processes TICKET messages from the peer. A message naming
// a ticket_id acknowledges that the change was applied downstream and
// stamps the ticket done; a TICKET without one is a plain ack-able probe.
func TicketHandler(ledger ticket.Service) HandlerFunc {
	return func(ctx context.Context, c *Conn, env Envelope) (map[string]any, error) {
		if _, _, ok := c.Identity(); !ok {
			return nil, errHandshakeDenied
		}
		ticketID, _ := env.Fields["ticket_id"].(string)
		if ticketID == "" {
			return nil, nil
		}
		done, err := ledger.MarkDone(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("mark done %s: %w", ticketID, err)
		}
		return map[string]any{"ticket_id": done.ID, "done_at": done.DoneAt}, nil
	}
}

// DefaultHandlers wires the standard per-type handlers. ACL currently
// falls through to the default OK acknowledgment.
func DefaultHandlers(keys *auth.KeyService, ledger ticket.Service) map[MsgType]Handler {
	handlers := make(map[MsgType]Handler)
	if keys != nil {
		handlers[TypeHello] = HelloHandler(keys, ledger)
	}
	if ledger != nil {
		handlers[TypeTicket] = TicketHandler(ledger)
	}
	return handlers
}
