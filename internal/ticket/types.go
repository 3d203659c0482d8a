package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Deleted is the new-data sentinel recorded when a resource is removed.
const Deleted = "deleted"

// ServiceGroup is a named collection of physical servers that should all
// receive the same change notifications (e.g. two replicated mail servers).
type ServiceGroup struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Server is one physical service instance belonging to a group.
type Server struct {
	ID             string    `json:"id"`
	ServiceGroupID string    `json:"service_group_id"`
	Host           string    `json:"host"`
	CreatedAt      time.Time `json:"created_at"`
}

// Group ties together all tickets produced by one logical mutation.
type Group struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket is the durable record of one pending change for one server.
// OldData is empty for creates; NewData is the Deleted sentinel for
// deletes. DoneAt is set once, when the server acknowledges application.
type Ticket struct {
	ID        string     `json:"id"`
	GroupID   string     `json:"group_id"`
	ServerID  string     `json:"server_id"`
	OldData   string     `json:"old_data,omitempty"`
	NewData   string     `json:"new_data"`
	CreatedAt time.Time  `json:"created_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// Done reports whether the ticket has been acknowledged.
func (t Ticket) Done() bool { return t.DoneAt != nil }

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Service defines ticket ledger operations. Ticket creation for a single
// mutation is atomic: the group and its fan-out commit as one unit or not
// at all.
type Service interface {
	CreateServiceGroup(ctx context.Context, name, kind string) (ServiceGroup, error)
	GetServiceGroup(ctx context.Context, id string) (ServiceGroup, error)
	ListServiceGroups(ctx context.Context) ([]ServiceGroup, error)
	AddServer(ctx context.Context, serviceGroupID, host string) (Server, error)
	Servers(ctx context.Context, serviceGroupID string) ([]Server, error)

	RecordChange(ctx context.Context, serviceGroupID string, oldData, newData any) (Group, []Ticket, error)
	GetTicket(ctx context.Context, id string) (Ticket, error)
	MarkDone(ctx context.Context, ticketID string) (Ticket, error)
	Pending(ctx context.Context, serverID string, limit int) ([]Ticket, error)
}

// Serialize renders a snapshot payload as stored ticket data. Strings pass
// through unchanged so the Deleted sentinel stays a bare word; nil means
// "no payload" (a create's old side).
func Serialize(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: serialize snapshot: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}
