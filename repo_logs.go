package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MaxLogEntries caps a logs listing
const MaxLogEntries = 120

// Audit messages
const (
	LogSignUp        = "sign up"
	LogSignInSuccess = "sign in success"
	LogSignInFailed  = "sign in failed"
	LogSignOut       = "sign out"
)

type AuditLogs interface {
	repository.Repository[*AuditLog]

	AddTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, ip, message string, at time.Time) (*AuditLog, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*AuditLog, error)
	ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, limit int) ([]*AuditLog, error)
}

type auditLogs struct {
	repository.Repository[*AuditLog]
	db *bun.DB
}

var _ AuditLogs = (*auditLogs)(nil)

func NewAuditLogsRepository(db *bun.DB) AuditLogs {
	handlers := repository.ModelHandlers[*AuditLog]{
		NewRecord: func() *AuditLog {
			return &AuditLog{}
		},
		GetID: func(record *AuditLog) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *AuditLog, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "id"
		},
	}
	return &auditLogs{
		Repository: repository.NewRepository(db, handlers),
		db:         db,
	}
}

func (l *auditLogs) AddTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, ip, message string, at time.Time) (*AuditLog, error) {
	at = at.UTC()
	record := &AuditLog{
		ID:        uuid.New(),
		UserID:    userID,
		IP:        ip,
		Message:   message,
		CreatedAt: &at,
	}
	return l.Repository.CreateTx(ctx, tx, record)
}

func (l *auditLogs) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*AuditLog, error) {
	return l.ListByUserTx(ctx, l.db, userID, limit)
}

// ListByUserTx returns the newest entries first
func (l *auditLogs) ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, limit int) ([]*AuditLog, error) {
	if limit <= 0 || limit > MaxLogEntries {
		limit = MaxLogEntries
	}

	records := []*AuditLog{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
