package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authvault.org/internal/auth"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewStore(db), mock
}

func sampleToken(id string) *auth.RefreshToken {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &auth.RefreshToken{
		ID:          id,
		UserID:      "user-1",
		TokenHash:   "hash-" + id,
		FamilyID:    "family-1",
		IssuedStamp: "stamp-1",
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
		CreatedAt:   now,
	}
}

func TestRotateSwapsAndInserts(t *testing.T) {
	store, mock := newMockStore(t)
	next := sampleToken("tok-2")

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens").
		WithArgs("tok-2", "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs(next.ID, next.UserID, next.TokenHash, next.FamilyID, next.IssuedStamp, next.ExpiresAt, next.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RefreshTokens(context.Background()).Rotate(context.Background(), "tok-1", next); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
}

func TestRotateLosesRace(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows means the conditional update missed: the row was already
	// rotated or revoked. No replacement row may be written.
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens").
		WithArgs("tok-2", "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.RefreshTokens(context.Background()).Rotate(context.Background(), "tok-1", sampleToken("tok-2"))
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestTokenFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, user_id, token_hash.*from refresh_tokens").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.RefreshTokens(context.Background()).Find(context.Background(), "missing")
	if !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestTokenFindScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select id, user_id, token_hash.*from refresh_tokens").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "token_hash", "family_id", "issued_stamp",
			"expires_at", "created_at", "revoked_at", "replaced_by_token_id",
		}).AddRow("tok-1", "user-1", "hash", "family-1", "stamp-1", now.Add(time.Hour), now, now, "tok-2"))

	tok, err := store.RefreshTokens(context.Background()).Find(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if tok.RevokedAt == nil || !tok.RevokedAt.Equal(now) {
		t.Fatalf("RevokedAt = %v", tok.RevokedAt)
	}
	if tok.ReplacedByTokenID == nil || *tok.ReplacedByTokenID != "tok-2" {
		t.Fatalf("ReplacedByTokenID = %v", tok.ReplacedByTokenID)
	}
	if !tok.IsRevoked() || !tok.IsRotated() {
		t.Fatal("state predicates disagree with scanned columns")
	}
}

func TestRevokeFamily(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("update refresh_tokens").
		WithArgs("family-1", at).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.RefreshTokens(context.Background()).RevokeFamily(context.Background(), "family-1", at); err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
}

func TestDeleteExpiredBefore(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("delete from refresh_tokens").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.RefreshTokens(context.Background()).DeleteExpiredBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteExpiredBefore: %v", err)
	}
	if n != 7 {
		t.Fatalf("deleted %d rows, want 7", n)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into users").
		WithArgs("user-1", "alice@example.com", "hash", "stamp", auth.UserStatusActive).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users(context.Background()).Create(context.Background(), &auth.User{
		ID:            "user-1",
		Email:         "alice@example.com",
		PasswordHash:  "hash",
		SecurityStamp: "stamp",
		Status:        auth.UserStatusActive,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestUpdateSecurityStampMissingUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update users").
		WithArgs("ghost", "new-stamp").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Users(context.Background()).UpdateSecurityStamp(context.Background(), "ghost", "new-stamp")
	if !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}
