package auth

import (
	"context"
	"fmt"
	"time"
)

// Logger is satisfied by glog loggers. Args are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetActionTokenTTL() time.Duration
	GetSessionTokenTTL() time.Duration
	GetMaxFailedAttempts() int
	GetHomeURL() string
}

// ActionIssuer issues action tokens and enqueues the notification that
// carries them
type ActionIssuer interface {
	Request(ctx context.Context, msg RequestActionMessage) error
}

// ActionRedeemer verifies action tokens and applies the action
type ActionRedeemer interface {
	Redeem(ctx context.Context, msg RedeemActionMessage) error
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

type defLogger struct{}

func (defLogger) Debug(msg string, args ...any) { printLog("DBG", msg, args...) }
func (defLogger) Info(msg string, args ...any)  { printLog("INF", msg, args...) }
func (defLogger) Warn(msg string, args ...any)  { printLog("WRN", msg, args...) }
func (defLogger) Error(msg string, args ...any) { printLog("ERR", msg, args...) }

func printLog(level, msg string, args ...any) {
	fmt.Printf("[%s] AUTH %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Printf(" %v=%v", args[i], args[i+1])
	}
	fmt.Println()
}
