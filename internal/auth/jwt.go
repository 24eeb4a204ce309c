package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// SessionSigner issues and verifies the API's own HS256 session tokens.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewSessionSigner(secret []byte, ttl time.Duration) *SessionSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionSigner{secret: secret, ttl: ttl}
}

// Issue signs a session token for the given user.
func (s *SessionSigner) Issue(user *User) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(strconv.FormatInt(user.ID, 10)).
		Claim("username", user.Username).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates a session token, returning the user id and
// username it carries.
func (s *SessionSigner) Verify(tokenString string) (int64, string, error) {
	tok, err := jwt.ParseString(tokenString,
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse token: %w", err)
	}

	userID, err := strconv.ParseInt(tok.Subject(), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("token missing user id: %w", err)
	}

	var username string
	if claim, ok := tok.Get("username"); ok {
		username, _ = claim.(string)
	}
	return userID, username, nil
}
