// Package roomtoken issues and verifies room-scope grant tokens.
//
// A token is minted when a principal passes the room secret check at join
// time. Verification is offline against the signing key, so rotating a room's
// secret does not cut off sessions that already joined; their grants simply
// age out at the token TTL. That is the documented access policy, not an
// oversight.
package roomtoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"teamchat/internal/util"
)

const (
	// DefaultTTL is the default lifetime of a room grant.
	DefaultTTL = 12 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
)

type roomClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 room grant tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
}

// NewSigner creates a signer from a shared secret.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("room token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		secret: []byte(secret),
		ttl:    ttl,
		leeway: DefaultLeeway,
	}, nil
}

// Mint issues a grant for the given principal and room.
func (s *Signer) Mint(username, roomID string) (string, error) {
	if username == "" || roomID == "" {
		return "", errors.New("username and room id are required")
	}
	now := time.Now().UTC()
	claims := roomClaims{
		Room: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify validates signature and expiry and returns the granted principal and
// room.
func (s *Signer) Verify(token string) (username, roomID string, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", errors.New("token required")
	}
	claims := roomClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unsupported signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return "", "", fmt.Errorf("verify room token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Room) == "" {
		return "", "", errors.New("room token missing subject or room")
	}
	return claims.Subject, claims.Room, nil
}
