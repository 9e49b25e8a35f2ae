package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Action identifies what an action token authorizes
type Action string

const (
	ActionConfirm       Action = "users.confirm"
	ActionUnlock        Action = "users.unlock"
	ActionResetPassword Action = "users.reset-password"
)

// ActionSignIn marks session tokens. It is not redeemable.
const ActionSignIn = "users.sign-in"

// Actions lists every redeemable action
func Actions() []Action {
	return []Action{ActionConfirm, ActionUnlock, ActionResetPassword}
}

// ParseAction maps an act claim to an Action
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, err := a.policy(); err != nil {
		return "", err
	}
	return a, nil
}

func (a Action) String() string {
	return string(a)
}

// actionPolicy holds the per action rules shared by issuance and redemption
type actionPolicy struct {
	// ready reports whether the user is in the state the action expects
	ready func(u *User) bool
	// apply performs the conditional transition and reports rows affected
	apply func(r *redemption) (int64, error)
	// audit is the log message recorded on success
	audit string
	// subject and body keys into the notification templates
	template string
}

// policy is the only switch over actions. Adding an Action without a case
// here fails ParseAction, Request and Redeem alike.
func (a Action) policy() (actionPolicy, error) {
	switch a {
	case ActionConfirm:
		return actionPolicy{
			ready: func(u *User) bool { return u.ConfirmedAt == nil },
			apply: func(r *redemption) (int64, error) {
				return r.users.ConfirmTx(r.ctx, r.tx, r.user.ID, r.now)
			},
			audit:    "confirm",
			template: "confirm",
		}, nil
	case ActionUnlock:
		return actionPolicy{
			ready: func(u *User) bool { return u.LockedAt != nil },
			apply: func(r *redemption) (int64, error) {
				return r.users.UnlockTx(r.ctx, r.tx, r.user.ID)
			},
			audit:    "unlock",
			template: "unlock",
		}, nil
	case ActionResetPassword:
		return actionPolicy{
			ready: func(u *User) bool { return u != nil },
			apply: func(r *redemption) (int64, error) {
				if fingerprint(r.user.PasswordHash) != r.fingerprint {
					// another reset already changed the hash this token was issued for
					return 0, nil
				}
				return r.users.ResetPasswordTx(r.ctx, r.tx, r.user.ID, r.user.PasswordHash, r.passwordHash, r.now)
			},
			audit:    "reset password",
			template: "reset-password",
		}, nil
	}
	return actionPolicy{}, withMetadata(ErrBadRequest, map[string]any{"act": string(a)})
}

// claims builds the token claims for user
func (a Action) claims(u *User) map[string]any {
	c := map[string]any{
		ClaimAction: string(a),
		ClaimEmail:  u.Email,
	}
	if a == ActionResetPassword {
		c[ClaimPassword] = fingerprint(u.PasswordHash)
	}
	return c
}

// fingerprint binds reset tokens to the password hash current at issuance
func fingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}

// DefaultActionTokenTTL applies when config does not set one
const DefaultActionTokenTTL = 3 * time.Hour
