package auth

import (
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

var hashCost atomic.Int64

func init() {
	hashCost.Store(int64(passwordHashCost()))
}

// SetPasswordHashCost overrides the bcrypt cost used by HashPassword.
// Values outside bcrypt's range are ignored.
func SetPasswordHashCost(cost int) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return
	}
	hashCost.Store(int64(cost))
}

// HashPassword will generate a password hash
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrNoEmptyString.Clone()
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), int(hashCost.Load()))
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatchedHashAndPassword.Clone()
		}
		return err
	}
	return nil
}

type bcryptPasswords struct{}

// BcryptPasswords is the default PasswordAuthenticator
var BcryptPasswords PasswordAuthenticator = bcryptPasswords{}

func (bcryptPasswords) HashPassword(password string) (string, error) {
	return HashPassword(password)
}

func (bcryptPasswords) ComparePasswordAndHash(password, hash string) error {
	return ComparePasswordAndHash(password, hash)
}
