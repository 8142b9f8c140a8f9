// Package token mints and verifies the short-lived symmetric session tokens
// handed to node agents at registration. A reconnecting agent presents its
// session token instead of the long-lived static node token.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wakefleet/cnc/internal/clock"
)

// ErrInvalidToken is returned when a token fails verification against every
// secret in the rotation list.
var ErrInvalidToken = errors.New("invalid session token")

// Minter signs and verifies session tokens. Verification accepts any secret
// from the rotation list (first match wins); minting always uses the first,
// so rotating means prepending a new secret and keeping the old one around
// until outstanding tokens expire.
type Minter struct {
	secrets  [][]byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    clock.Clock
}

// NewMinter creates a Minter. secrets must be non-empty; the first entry is
// the active signer.
func NewMinter(secrets []string, issuer, audience string, ttl time.Duration, clk clock.Clock) (*Minter, error) {
	if len(secrets) == 0 {
		return nil, errors.New("session token secrets list is empty")
	}
	keys := make([][]byte, len(secrets))
	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("session token secret %d is empty", i)
		}
		keys[i] = []byte(s)
	}
	return &Minter{
		secrets:  keys,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		clock:    clk,
	}, nil
}

// Mint issues a fresh token bound to nodeID.
func (m *Minter) Mint(nodeID string) (string, time.Time, error) {
	now := m.clock.Now()
	expiresAt := now.Add(m.ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{m.audience},
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secrets[0])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks tokenStr against the rotation list and returns the bound
// nodeID and expiry. Any failure maps to ErrInvalidToken; the caller never
// learns which secret (if any) was close.
func (m *Minter) Verify(tokenStr string) (string, time.Time, error) {
	for _, key := range m.secrets {
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims,
			func(*jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(m.issuer),
			jwt.WithAudience(m.audience),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(m.clock.Now),
		)
		if err != nil {
			continue
		}
		if claims.Subject == "" {
			continue
		}
		return claims.Subject, claims.ExpiresAt.Time, nil
	}
	return "", time.Time{}, ErrInvalidToken
}
