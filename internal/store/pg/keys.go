package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"renki.org/internal/auth"
)

var _ auth.KeyStore = (*Store)(nil)

func (s *Store) Insert(ctx context.Context, k auth.Key) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auth_keys (digest, user_id, created_at, expires_at)
		values ($1, $2, $3, $4)
	`, k.Digest, k.UserID, k.CreatedAt, k.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return auth.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// FindValid looks up a digest, excluding expired rows in the query itself
// so a stale key is indistinguishable from an absent one.
func (s *Store) FindValid(ctx context.Context, digest string, now time.Time) (auth.Key, error) {
	if s.db == nil {
		return auth.Key{}, errors.New("database connection unavailable")
	}
	var k auth.Key
	err := s.db.QueryRowContext(ctx, `
		select digest, user_id, created_at, expires_at
		from auth_keys
		where digest = $1 and (expires_at is null or expires_at > $2)
	`, digest, now).Scan(&k.Digest, &k.UserID, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Key{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Key{}, err
	}
	return k, nil
}

func (s *Store) DeleteByDigest(ctx context.Context, digest string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from auth_keys where digest = $1`, digest)
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
