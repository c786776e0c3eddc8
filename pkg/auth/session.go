// Package auth logs a user into the wallet service and keeps the session
// token on disk and fresh.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harun/walletagent/pkg/secrets"
)

// ErrNotAuthenticated is returned when there is no usable session.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session is an authenticated wallet session.
type Session struct {
	Token     string                       `json:"token"`
	WalletID  string                       `json:"walletId"`
	ExpiresAt time.Time                    `json:"expiresAt"`
	Secrets   map[string]secrets.Encrypted `json:"secrets,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.IsZero() && now.Add(d).After(s.ExpiresAt)
}

// Handle is the value secrets are sealed against. It is the wallet id so
// ciphertexts survive token refreshes.
func (s *Session) Handle() string {
	if s.WalletID != "" {
		return s.WalletID
	}
	return s.Token
}

// ParseToken reads the expiry and wallet id from a session token. The
// signature is not verified; the auth service is the authority and the
// claims are only used locally for scheduling and display.
func ParseToken(token string) (walletID string, expiresAt time.Time, err error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return claims.Subject, expiresAt, nil
}

// NewSession builds a session from a token and the secrets returned with it.
func NewSession(token string, secretMap map[string]secrets.Encrypted) (*Session, error) {
	walletID, expiresAt, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	return &Session{
		Token:     token,
		WalletID:  walletID,
		ExpiresAt: expiresAt,
		Secrets:   secretMap,
	}, nil
}
