package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"renki.org/internal/auth"
	"renki.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ auth.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, name, passwordHash string, superuser bool) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	var user auth.User
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, name, password_hash, superuser)
		values ($1, $2, $3, $4)
		returning id, name, first_names, last_name, password_hash, superuser, created_at, updated_at
	`, ids.New(), name, passwordHash, superuser)
	if err := scanUser(row, &user); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.ErrConflict
		}
		return auth.User{}, err
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	var user auth.User
	row := s.db.QueryRowContext(ctx, `
		select id, name, first_names, last_name, password_hash, superuser, created_at, updated_at
		from users
		where id = $1
	`, id)
	err := scanUser(row, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return user, nil
}

func (s *Store) FindUserByName(ctx context.Context, name string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errors.New("database connection unavailable")
	}
	var user auth.User
	row := s.db.QueryRowContext(ctx, `
		select id, name, first_names, last_name, password_hash, superuser, created_at, updated_at
		from users
		where name = $1
	`, name)
	err := scanUser(row, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, first_names, last_name, password_hash, superuser, created_at, updated_at
		from users
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []auth.User
	for rows.Next() {
		var user auth.User
		if err := scanUser(rows, &user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) CreateGroup(ctx context.Context, name, description string) (auth.Group, error) {
	if s.db == nil {
		return auth.Group{}, errors.New("database connection unavailable")
	}
	var (
		group auth.Group
		desc  sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into groups (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at
	`, ids.New(), name, nullIfEmpty(description))
	if err := row.Scan(&group.ID, &group.Name, &desc, &group.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Group{}, auth.ErrConflict
		}
		return auth.Group{}, err
	}
	if desc.Valid {
		group.Description = desc.String
	}
	return group, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]auth.Group, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at
		from groups
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []auth.Group
	for rows.Next() {
		var (
			group auth.Group
			desc  sql.NullString
		)
		if err := rows.Scan(&group.ID, &group.Name, &desc, &group.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			group.Description = desc.String
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_groups (user_id, group_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, groupID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) SetGroupPermissions(ctx context.Context, groupID string, keys []string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from groups where id = $1`, groupID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from group_permissions where group_id = $1`, groupID); err != nil {
		return err
	}
	for _, key := range keys {
		permID, err := ensurePermission(ctx, tx, key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into group_permissions (group_id, permission_id)
			values ($1, $2)
		`, groupID, permID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GrantUserPermission(ctx context.Context, userID, key string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from users where id = $1`, userID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	permID, err := ensurePermission(ctx, tx, key)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into user_permissions (user_id, permission_id)
		values ($1, $2)
		on conflict do nothing
	`, userID, permID); err != nil {
		return err
	}
	return tx.Commit()
}

// UserPermissions returns the union of direct grants and all group grants.
func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from permissions p
		where p.id in (
			select permission_id from user_permissions where user_id = $1
			union
			select gp.permission_id
			from group_permissions gp
			join user_groups ug on ug.group_id = gp.group_id
			where ug.user_id = $1
		)
		order by p.key
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		perms = append(perms, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// ensurePermission resolves a key to its row id, creating the row on first
// use.
func ensurePermission(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var permID string
	err := tx.QueryRowContext(ctx, `select id from permissions where key = $1`, key).Scan(&permID)
	if err == nil {
		return permID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	permID = ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into permissions (id, key)
		values ($1, $2)
	`, permID, key); err != nil {
		return "", fmt.Errorf("create permission %s: %w", key, err)
	}
	return permID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, user *auth.User) error {
	var firstNames, lastName sql.NullString
	if err := row.Scan(&user.ID, &user.Name, &firstNames, &lastName,
		&user.PasswordHash, &user.Superuser, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return err
	}
	if firstNames.Valid {
		user.FirstNames = firstNames.String
	}
	if lastName.Valid {
		user.LastName = lastName.String
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
