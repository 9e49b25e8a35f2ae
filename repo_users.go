package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Users is the entity store for accounts. The conditional transitions
// return the number of rows they changed; zero means the guard in the
// WHERE clause no longer holds.
type Users interface {
	repository.Repository[*User]

	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)

	Register(ctx context.Context, user *User) (*User, error)
	RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)

	ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (int64, error)
	UnlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error)
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, currentHash, newHash string, at time.Time) (int64, error)

	TrackFailedSignInTx(ctx context.Context, tx bun.IDB, id uuid.UUID, maxAttempts int, at time.Time) error
	TrackSignInTx(ctx context.Context, tx bun.IDB, user *User, ip string, at time.Time) error
}

type users struct {
	repository.Repository[*User]
	db *bun.DB
}

var (
	_ Users                        = (*users)(nil)
	_ repository.Repository[*User] = (*users)(nil)
)

func NewUsersRepository(db *bun.DB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &users{
		Repository: repo,
		db:         db,
	}
}

func (a *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return a.GetByEmailTx(ctx, a.db, email)
}

func (a *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	email = normalizeEmail(email)

	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, withMetadata(ErrIdentityNotFound, map[string]any{"email": email})
		}
		return nil, err
	}
	return record, nil
}

func (a *users) Register(ctx context.Context, user *User) (*User, error) {
	return a.RegisterTx(ctx, a.db, user)
}

func (a *users) RegisterTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	prepareUserDefaults(user)
	return a.Repository.CreateTx(ctx, tx, user)
}

func (a *users) ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("confirmed_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("confirmed_at IS NULL").
		Exec(ctx)
	return rowsAffected(res, err)
}

func (a *users) UnlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("locked_at = NULL").
		Set("failed_attempts = 0").
		Where("id = ?", id).
		Where("locked_at IS NOT NULL").
		Exec(ctx)
	return rowsAffected(res, err)
}

func (a *users) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, currentHash, newHash string, at time.Time) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("password_hash = ?", newHash).
		Set("password_changed_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", id).
		Where("password_hash = ?", currentHash).
		Exec(ctx)
	return rowsAffected(res, err)
}

// TrackFailedSignInTx bumps the failure counter and locks the account
// once it reaches maxAttempts. A maxAttempts of zero never locks.
func (a *users) TrackFailedSignInTx(ctx context.Context, tx bun.IDB, id uuid.UUID, maxAttempts int, at time.Time) error {
	q := tx.NewUpdate().
		Model((*User)(nil)).
		Set("failed_attempts = failed_attempts + 1").
		Set("updated_at = ?", at).
		Where("id = ?", id)

	if maxAttempts > 0 {
		q = q.Set("locked_at = CASE WHEN locked_at IS NULL AND failed_attempts + 1 >= ? THEN ? ELSE locked_at END", maxAttempts, at)
	}

	_, err := q.Exec(ctx)
	return err
}

func (a *users) TrackSignInTx(ctx context.Context, tx bun.IDB, user *User, ip string, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("failed_attempts = 0").
		Set("sign_in_count = sign_in_count + 1").
		Set("last_sign_in_ip = current_sign_in_ip").
		Set("last_sign_in_at = current_sign_in_at").
		Set("current_sign_in_ip = ?", ip).
		Set("current_sign_in_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", user.ID).
		Exec(ctx)
	return err
}

func rowsAffected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}

	record.Email = normalizeEmail(record.Email)

	if !record.Role.IsValid() {
		record.Role = RoleGuest
	}

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
