package auth

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeTokenMalformed        = "TOKEN_MALFORMED"
	TextCodeTokenInvalidSignature = "TOKEN_INVALID_SIGNATURE"
	TextCodeTokenExpired          = "TOKEN_EXPIRED"
	TextCodeTokenEncoding         = "TOKEN_ENCODING_ERROR"
	TextCodePreconditionFailed    = "PRECONDITION_FAILED"
	TextCodeAlreadyApplied        = "ALREADY_APPLIED"
	TextCodeTransactionConflict   = "TRANSACTION_CONFLICT"
	TextCodeBadRequest            = "BAD_REQUEST"
	TextCodeIdentityNotFound      = "IDENTITY_NOT_FOUND"
	TextCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	TextCodeAccountNotConfirmed   = "ACCOUNT_NOT_CONFIRMED"
	TextCodeAccountLocked         = "ACCOUNT_LOCKED"
	TextCodeEmailExists           = "EMAIL_EXISTS"
	TextCodeEmptyPassword         = "EMPTY_PASSWORD"
	TextCodeInsufficientRole      = "INSUFFICIENT_ROLE"
)

// ErrTokenMalformed is returned when a token cannot be decoded
var ErrTokenMalformed = errors.New("token is malformed", errors.CategoryBadInput).
	WithTextCode(TextCodeTokenMalformed).
	WithCode(errors.CodeBadRequest)

// ErrTokenInvalidSignature is returned when a token signature does not match
var ErrTokenInvalidSignature = errors.New("token signature is invalid", errors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalidSignature).
	WithCode(errors.CodeUnauthorized)

// ErrTokenExpired is returned for tokens past their exp claim
var ErrTokenExpired = errors.New("token is expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeUnauthorized)

// ErrTokenEncoding is returned when claims cannot be serialized or signed
var ErrTokenEncoding = errors.New("unable to encode token", errors.CategoryInternal).
	WithTextCode(TextCodeTokenEncoding).
	WithCode(errors.CodeInternal)

// ErrPreconditionFailed is returned when the account state does not allow
// issuing the requested action
var ErrPreconditionFailed = errors.New("action precondition failed", errors.CategoryConflict).
	WithTextCode(TextCodePreconditionFailed).
	WithCode(errors.CodeConflict)

// ErrAlreadyApplied is returned when redeeming a token whose action has
// already taken effect
var ErrAlreadyApplied = errors.New("action already applied", errors.CategoryConflict).
	WithTextCode(TextCodeAlreadyApplied).
	WithCode(errors.CodeConflict)

// ErrTransactionConflict is returned when a concurrent redemption won the race.
// Callers may retry.
var ErrTransactionConflict = errors.New("concurrent update conflict", errors.CategoryConflict).
	WithTextCode(TextCodeTransactionConflict).
	WithCode(errors.CodeConflict)

// ErrBadRequest is the only redemption failure clients get to see
var ErrBadRequest = errors.New("bad request", errors.CategoryBadInput).
	WithTextCode(TextCodeBadRequest).
	WithCode(errors.CodeBadRequest)

// ErrIdentityNotFound is the error we return for non found identities
var ErrIdentityNotFound = errors.New("identity not found", errors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(errors.CodeNotFound)

// ErrMismatchedHashAndPassword is returned on a bad password
var ErrMismatchedHashAndPassword = errors.New("invalid email or password", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

var ErrAccountNotConfirmed = errors.New("account is not confirmed", errors.CategoryAuth).
	WithTextCode(TextCodeAccountNotConfirmed).
	WithCode(errors.CodeForbidden)

var ErrAccountLocked = errors.New("account is locked", errors.CategoryAuth).
	WithTextCode(TextCodeAccountLocked).
	WithCode(errors.CodeForbidden)

// ErrEmailAlreadyExists is returned on sign up with a registered email
var ErrEmailAlreadyExists = errors.New("email already exists", errors.CategoryValidation).
	WithTextCode(TextCodeEmailExists).
	WithCode(errors.CodeConflict)

// ErrInsufficientRole is returned when a valid session lacks the role an
// operation requires
var ErrInsufficientRole = errors.New("insufficient role", errors.CategoryAuthz).
	WithTextCode(TextCodeInsufficientRole).
	WithCode(errors.CodeForbidden)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = errors.New("password can not be empty", errors.CategoryValidation).
	WithTextCode(TextCodeEmptyPassword).
	WithCode(errors.CodeBadRequest)

func IsMalformed(err error) bool {
	return hasTextCode(err, TextCodeTokenMalformed)
}

func IsInvalidSignature(err error) bool {
	return hasTextCode(err, TextCodeTokenInvalidSignature)
}

// IsExpired will check for expired tokens
func IsExpired(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

func IsEncodingError(err error) bool {
	return hasTextCode(err, TextCodeTokenEncoding)
}

func IsInsufficientRole(err error) bool {
	return hasTextCode(err, TextCodeInsufficientRole)
}

func IsPreconditionFailed(err error) bool {
	return hasTextCode(err, TextCodePreconditionFailed)
}

func IsAlreadyApplied(err error) bool {
	return hasTextCode(err, TextCodeAlreadyApplied)
}

func IsTransactionConflict(err error) bool {
	return hasTextCode(err, TextCodeTransactionConflict)
}

func IsBadRequest(err error) bool {
	return hasTextCode(err, TextCodeBadRequest)
}

func IsIdentityNotFound(err error) bool {
	return hasTextCode(err, TextCodeIdentityNotFound)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

func withMetadata(sentinel *errors.Error, meta map[string]any) *errors.Error {
	return sentinel.Clone().WithMetadata(meta)
}
