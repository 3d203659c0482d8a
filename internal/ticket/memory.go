package ticket

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"renki.org/internal/ids"
	"renki.org/internal/obs"
)

// InMemory implements Service with in-process concurrency safety. It backs
// tests and demo mode; production uses the Postgres store.
type InMemory struct {
	stream *Stream

	mu      sync.RWMutex
	groups  map[string]ServiceGroup
	servers map[string]Server
	tgroups map[string]Group
	tickets map[string]Ticket
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		groups:  make(map[string]ServiceGroup),
		servers: make(map[string]Server),
		tgroups: make(map[string]Group),
		tickets: make(map[string]Ticket),
	}
}

// WithStream attaches a stream; every ticket created by RecordChange is
// published to it.
func (s *InMemory) WithStream(st *Stream) *InMemory {
	s.stream = st
	return s
}

func (s *InMemory) CreateServiceGroup(ctx context.Context, name, kind string) (ServiceGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ServiceGroup{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := ServiceGroup{
		ID:        ids.New(),
		Name:      name,
		Kind:      strings.TrimSpace(kind),
		CreatedAt: time.Now().UTC(),
	}
	s.groups[g.ID] = g
	return g, nil
}

func (s *InMemory) GetServiceGroup(ctx context.Context, id string) (ServiceGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return ServiceGroup{}, ErrNotFound
	}
	return g, nil
}

func (s *InMemory) ListServiceGroups(ctx context.Context) ([]ServiceGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *InMemory) AddServer(ctx context.Context, serviceGroupID, host string) (Server, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Server{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[serviceGroupID]; !ok {
		return Server{}, ErrNotFound
	}
	srv := Server{
		ID:             ids.New(),
		ServiceGroupID: serviceGroupID,
		Host:           host,
		CreatedAt:      time.Now().UTC(),
	}
	s.servers[srv.ID] = srv
	return srv, nil
}

func (s *InMemory) Servers(ctx context.Context, serviceGroupID string) ([]Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.groups[serviceGroupID]; !ok {
		return nil, ErrNotFound
	}
	var out []Server
	for _, srv := range s.servers {
		if srv.ServiceGroupID == serviceGroupID {
			out = append(out, srv)
		}
	}
	return out, nil
}

func (s *InMemory) RecordChange(ctx context.Context, serviceGroupID string, oldData, newData any) (Group, []Ticket, error) {
	oldStr, err := Serialize(oldData)
	if err != nil {
		return Group{}, nil, err
	}
	newStr, err := Serialize(newData)
	if err != nil {
		return Group{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[serviceGroupID]; !ok {
		return Group{}, nil, ErrNotFound
	}

	now := time.Now().UTC()
	group := Group{ID: ids.New(), CreatedAt: now}

	var created []Ticket
	for _, srv := range s.servers {
		if srv.ServiceGroupID != serviceGroupID {
			continue
		}
		created = append(created, Ticket{
			ID:        ids.New(),
			GroupID:   group.ID,
			ServerID:  srv.ID,
			OldData:   oldStr,
			NewData:   newStr,
			CreatedAt: now,
		})
	}

	// Nothing failed past this point, so the "transaction" commits: the
	// group and all its tickets become visible together.
	s.tgroups[group.ID] = group
	for _, t := range created {
		s.tickets[t.ID] = t
	}
	obs.CountTicketsCreated(len(created))
	if s.stream != nil {
		for _, t := range created {
			s.stream.Publish(Event{Ticket: t})
		}
	}
	return group, created, nil
}

func (s *InMemory) GetTicket(ctx context.Context, id string) (Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

// MarkDone stamps the ticket once; marking an already-done ticket keeps
// the original timestamp.
func (s *InMemory) MarkDone(ctx context.Context, ticketID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return Ticket{}, ErrNotFound
	}
	if t.DoneAt == nil {
		now := time.Now().UTC()
		t.DoneAt = &now
		s.tickets[ticketID] = t
		obs.CountTicketDone()
	}
	return t, nil
}

func (s *InMemory) Pending(ctx context.Context, serverID string, limit int) ([]Ticket, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ticket
	for _, t := range s.tickets {
		if t.ServerID == serverID && t.DoneAt == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
