package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"renki.org/internal/ids"
	"renki.org/internal/obs"
	"renki.org/internal/ticket"
)

type Store struct {
	db     *sql.DB
	stream *ticket.Stream
}

var _ ticket.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, for tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// WithStream attaches a stream; every ticket created by RecordChange is
// published to it after the transaction commits.
func (s *Store) WithStream(st *ticket.Stream) *Store {
	s.stream = st
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateServiceGroup(ctx context.Context, name, kind string) (ticket.ServiceGroup, error) {
	if name == "" || kind == "" {
		return ticket.ServiceGroup{}, ticket.ErrInvalidInput
	}
	var sg ticket.ServiceGroup
	err := s.db.QueryRowContext(ctx, `
		insert into service_groups (id, name, kind)
		values ($1, $2, $3)
		returning id, name, kind, created_at
	`, ids.New(), name, kind).Scan(&sg.ID, &sg.Name, &sg.Kind, &sg.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ticket.ServiceGroup{}, ticket.ErrInvalidInput
		}
		return ticket.ServiceGroup{}, err
	}
	return sg, nil
}

func (s *Store) GetServiceGroup(ctx context.Context, id string) (ticket.ServiceGroup, error) {
	var sg ticket.ServiceGroup
	err := s.db.QueryRowContext(ctx, `
		select id, name, kind, created_at
		from service_groups
		where id = $1
	`, id).Scan(&sg.ID, &sg.Name, &sg.Kind, &sg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.ServiceGroup{}, ticket.ErrNotFound
	}
	if err != nil {
		return ticket.ServiceGroup{}, err
	}
	return sg, nil
}

func (s *Store) ListServiceGroups(ctx context.Context) ([]ticket.ServiceGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, kind, created_at
		from service_groups
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []ticket.ServiceGroup
	for rows.Next() {
		var sg ticket.ServiceGroup
		if err := rows.Scan(&sg.ID, &sg.Name, &sg.Kind, &sg.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) AddServer(ctx context.Context, serviceGroupID, host string) (ticket.Server, error) {
	if host == "" {
		return ticket.Server{}, ticket.ErrInvalidInput
	}
	var srv ticket.Server
	err := s.db.QueryRowContext(ctx, `
		insert into servers (id, service_group_id, host)
		values ($1, $2, $3)
		returning id, service_group_id, host, created_at
	`, ids.New(), serviceGroupID, host).Scan(&srv.ID, &srv.ServiceGroupID, &srv.Host, &srv.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return ticket.Server{}, ticket.ErrNotFound
		}
		return ticket.Server{}, err
	}
	return srv, nil
}

func (s *Store) Servers(ctx context.Context, serviceGroupID string) ([]ticket.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, service_group_id, host, created_at
		from servers
		where service_group_id = $1
		order by host
	`, serviceGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []ticket.Server
	for rows.Next() {
		var srv ticket.Server
		if err := rows.Scan(&srv.ID, &srv.ServiceGroupID, &srv.Host, &srv.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}

// RecordChange creates the ticket group and one ticket per server of the
// service group in a single transaction. Either every server's ticket
// commits or none does.
func (s *Store) RecordChange(ctx context.Context, serviceGroupID string, oldData, newData any) (ticket.Group, []ticket.Ticket, error) {
	oldStr, err := ticket.Serialize(oldData)
	if err != nil {
		return ticket.Group{}, nil, err
	}
	newStr, err := ticket.Serialize(newData)
	if err != nil {
		return ticket.Group{}, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ticket.Group{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `select 1 from service_groups where id = $1`, serviceGroupID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.Group{}, nil, ticket.ErrNotFound
	}
	if err != nil {
		return ticket.Group{}, nil, err
	}

	var group ticket.Group
	err = tx.QueryRowContext(ctx, `
		insert into ticket_groups (id)
		values ($1)
		returning id, created_at
	`, ids.New()).Scan(&group.ID, &group.CreatedAt)
	if err != nil {
		return ticket.Group{}, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		select id from servers where service_group_id = $1 order by host
	`, serviceGroupID)
	if err != nil {
		return ticket.Group{}, nil, err
	}
	var serverIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return ticket.Group{}, nil, err
		}
		serverIDs = append(serverIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ticket.Group{}, nil, err
	}
	rows.Close()

	tickets := make([]ticket.Ticket, 0, len(serverIDs))
	for _, serverID := range serverIDs {
		var t ticket.Ticket
		err := tx.QueryRowContext(ctx, `
			insert into tickets (id, group_id, server_id, old_data, new_data)
			values ($1, $2, $3, $4, $5)
			returning id, group_id, server_id, old_data, new_data, created_at
		`, ids.New(), group.ID, serverID, oldStr, newStr).Scan(
			&t.ID, &t.GroupID, &t.ServerID, &t.OldData, &t.NewData, &t.CreatedAt)
		if err != nil {
			return ticket.Group{}, nil, err
		}
		tickets = append(tickets, t)
	}

	if err := tx.Commit(); err != nil {
		return ticket.Group{}, nil, err
	}
	obs.CountTicketsCreated(len(tickets))
	if s.stream != nil {
		for _, t := range tickets {
			s.stream.Publish(ticket.Event{Ticket: t})
		}
	}
	return group, tickets, nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	var t ticket.Ticket
	err := s.db.QueryRowContext(ctx, `
		select id, group_id, server_id, old_data, new_data, created_at, done_at
		from tickets
		where id = $1
	`, id).Scan(&t.ID, &t.GroupID, &t.ServerID, &t.OldData, &t.NewData, &t.CreatedAt, &t.DoneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ticket.Ticket{}, ticket.ErrNotFound
	}
	if err != nil {
		return ticket.Ticket{}, err
	}
	return t, nil
}

// MarkDone stamps the ticket once; repeated acknowledgments keep the first
// timestamp.
func (s *Store) MarkDone(ctx context.Context, ticketID string) (ticket.Ticket, error) {
	res, err := s.db.ExecContext(ctx, `
		update tickets set done_at = now()
		where id = $1 and done_at is null
	`, ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return ticket.Ticket{}, err
	}
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return ticket.Ticket{}, err
	}
	if aff > 0 {
		obs.CountTicketDone()
	}
	return t, nil
}

func (s *Store) Pending(ctx context.Context, serverID string, limit int) ([]ticket.Ticket, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, group_id, server_id, old_data, new_data, created_at, done_at
		from tickets
		where server_id = $1 and done_at is null
		order by created_at asc
		limit $2
	`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []ticket.Ticket
	for rows.Next() {
		var t ticket.Ticket
		if err := rows.Scan(&t.ID, &t.GroupID, &t.ServerID, &t.OldData, &t.NewData, &t.CreatedAt, &t.DoneAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}
