// Package pg implements the auth store contracts on PostgreSQL. The
// rotation compare-and-swap and role mutations rely on row conditions and
// transactions, never on read-modify-write pairs.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authvault.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements auth.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects to the database and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users(context.Context) auth.UserStore { return &userStore{db: s.db} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return &tokenStore{db: s.db}
}
func (s *Store) Roles(context.Context) auth.RoleStore { return &roleStore{db: s.db} }
func (s *Store) Permissions(context.Context) auth.PermissionStore {
	return &permissionStore{db: s.db}
}

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, security_stamp, status)
		values ($1, $2, $3, $4, $5)
	`, u.ID, u.Email, u.PasswordHash, u.SecurityStamp, u.Status)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, security_stamp, status, created_at, updated_at
		from users
		where id = $1
	`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, security_stamp, status, created_at, updated_at
		from users
		where email = $1
	`, email))
}

func (s *userStore) UpdateSecurityStamp(ctx context.Context, userID, stamp string) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set security_stamp = $2, updated_at = now()
		where id = $1
	`, userID, stamp)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

func (s *userStore) scanOne(row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.SecurityStamp, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Refresh token store ------------------------------------------------------

type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, family_id, issued_stamp, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.FamilyID, tok.IssuedStamp, tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *tokenStore) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var (
		tok        auth.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, family_id, issued_stamp, expires_at, created_at, revoked_at, replaced_by_token_id
		from refresh_tokens
		where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.FamilyID, &tok.IssuedStamp,
		&tok.ExpiresAt, &tok.CreatedAt, &revokedAt, &replacedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	if replacedBy.Valid {
		v := replacedBy.String
		tok.ReplacedByTokenID = &v
	}
	return &tok, nil
}

// Rotate consumes the current row and inserts its replacement in one
// transaction. The update's where clause is the compare-and-swap: it only
// matches while the row is still active, so two racing rotations can never
// both commit.
func (s *tokenStore) Rotate(ctx context.Context, currentID string, replacement *auth.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set replaced_by_token_id = $1
		where id = $2 and replaced_by_token_id is null and revoked_at is null
	`, replacement.ID, currentID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, family_id, issued_stamp, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, replacement.ID, replacement.UserID, replacement.TokenHash, replacement.FamilyID,
		replacement.IssuedStamp, replacement.ExpiresAt, replacement.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *tokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where family_id = $1 and revoked_at is null
	`, familyID, at)
	return err
}

func (s *tokenStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
