package auth

import (
	"encoding/base64"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
)

// Claims carried by action and session tokens
const (
	ClaimAction   = "act"
	ClaimEmail    = "email"
	ClaimPassword = "pwd"
	ClaimUserID   = "uid"
	ClaimRole     = "role"
)

// Tokens issues and verifies signed, expiring claim sets
type Tokens interface {
	Issue(claims map[string]any, ttl time.Duration) (string, error)
	Verify(token string) (map[string]any, error)
}

// TokenService signs HS256 JWTs with a single process wide key.
// It holds no other state.
type TokenService struct {
	signingKey []byte
	clock      func() time.Time
	logger     Logger
}

var _ Tokens = (*TokenService)(nil)

type TokenServiceOption func(*TokenService)

// WithClock overrides the time source used for exp
func WithClock(clock func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if clock != nil {
			ts.clock = clock
		}
	}
}

func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// NewTokenService creates a new TokenService instance. The key is copied.
func NewTokenService(signingKey []byte, opts ...TokenServiceOption) *TokenService {
	ts := &TokenService{
		signingKey: append([]byte(nil), signingKey...),
		clock:      time.Now,
		logger:     defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}
	return ts
}

// Issue signs claims with exp = now + ttl. The exp and iat claims are
// owned by the service and overwritten if present.
func (ts *TokenService) Issue(claims map[string]any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", withMetadata(ErrTokenEncoding, map[string]any{"ttl": ttl.String()})
	}

	now := ts.clock()
	mc := make(jwt.MapClaims, len(claims)+2)
	maps.Copy(mc, claims)
	mc["iat"] = jwt.NewNumericDate(now)
	mc["exp"] = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(ts.signingKey)
	if err != nil {
		return "", errors.Wrap(err, ErrTokenEncoding.Category, "failed to sign token").
			WithTextCode(TextCodeTokenEncoding).
			WithCode(errors.CodeInternal)
	}
	return signed, nil
}

// Verify checks the signature before looking at any claim, then the
// expiry. The returned claims do not include exp or iat.
func (ts *TokenService) Verify(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed.Clone()
	}

	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return nil, ErrTokenInvalidSignature.Clone()
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, ts.signingKey); err != nil {
		return nil, ErrTokenInvalidSignature.Clone()
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.clock),
	)

	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ts.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired.Clone()
		}
		ts.logger.Debug("token claims rejected", "error", err)
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithTextCode(TextCodeTokenMalformed).
			WithCode(errors.CodeBadRequest)
	}

	out := make(map[string]any, len(claims))
	for k, v := range claims {
		if k == "exp" || k == "iat" {
			continue
		}
		out[k] = v
	}
	return out, nil
}
