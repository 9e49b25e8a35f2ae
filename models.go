package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserRole is the user's role
type UserRole string

const (
	// RoleGuest is an guest role (ie. view)
	RoleGuest UserRole = "guest"
	// RoleMember us a member (i.e. view, edit)
	RoleMember UserRole = "member"
	// RoleAdmin is an admin role (i.e. view, edit, create)
	RoleAdmin UserRole = "admin"
)

// User is the user model. The nullable timestamps carry the account
// state that action tokens transition.
type User struct {
	bun.BaseModel     `bun:"table:users,alias:usr"`
	ID                uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email             string     `bun:"email,notnull,unique" json:"email,omitempty"`
	PasswordHash      string     `bun:"password_hash,notnull" json:"-"`
	Role              UserRole   `bun:"user_role,notnull" json:"user_role,omitempty"`
	ConfirmedAt       *time.Time `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	LockedAt          *time.Time `bun:"locked_at,nullzero" json:"locked_at,omitempty"`
	FailedAttempts    int        `bun:"failed_attempts,notnull" json:"failed_attempts"`
	SignInCount       int        `bun:"sign_in_count,notnull" json:"sign_in_count"`
	CurrentSignInIP   string     `bun:"current_sign_in_ip" json:"current_sign_in_ip,omitempty"`
	CurrentSignInAt   *time.Time `bun:"current_sign_in_at,nullzero" json:"current_sign_in_at,omitempty"`
	LastSignInIP      string     `bun:"last_sign_in_ip" json:"last_sign_in_ip,omitempty"`
	LastSignInAt      *time.Time `bun:"last_sign_in_at,nullzero" json:"last_sign_in_at,omitempty"`
	PasswordChangedAt *time.Time `bun:"password_changed_at,nullzero" json:"password_changed_at,omitempty"`
	CreatedAt         *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt         *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// IsConfirmed reports whether the email address was confirmed
func (u *User) IsConfirmed() bool {
	return u != nil && u.ConfirmedAt != nil
}

// IsLocked reports whether sign in is blocked until an unlock
func (u *User) IsLocked() bool {
	return u != nil && u.LockedAt != nil
}

// AuditLog is an entry in the per user activity log
type AuditLog struct {
	bun.BaseModel `bun:"table:logs,alias:lg"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	IP            string     `bun:"ip" json:"ip,omitempty"`
	Message       string     `bun:"message,notnull" json:"message"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}
