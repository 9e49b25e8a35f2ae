//go:build race

package auth

import "golang.org/x/crypto/bcrypt"

// race builds are slow enough without cost 14 hashes
func passwordHashCost() int {
	return bcrypt.DefaultCost
}
