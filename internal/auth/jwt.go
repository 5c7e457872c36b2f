package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"collabengine/internal/participant"
)

var (
	// ErrNoSecret is returned when signing or verifying without a key.
	ErrNoSecret = errors.New("auth: no signing secret configured")
	// ErrNoSubject is returned for tokens that do not name a participant.
	ErrNoSubject = errors.New("auth: token has no subject")
)

// Claims carried by a participant token.
type Claims struct {
	DisplayName string   `json:"name,omitempty"`
	Actions     []string `json:"perm,omitempty"`
	Scopes      []string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Grant is the identity and permission snapshot read from a token.
type Grant struct {
	ParticipantID string
	DisplayName   string
	Permissions   participant.Permissions
	ExpiresAt     time.Time
}

// Provider verifies HS256 participant tokens.
type Provider struct {
	secret []byte
	now    func() time.Time
}

// NewProvider creates a provider keyed by secret.
func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret), now: time.Now}
}

// Sign issues a token for g that expires after ttl.
func (p *Provider) Sign(g Grant, ttl time.Duration) (string, error) {
	if len(p.secret) == 0 {
		return "", ErrNoSecret
	}
	claims := &Claims{
		DisplayName: g.DisplayName,
		Actions:     g.Permissions.Actions,
		Scopes:      g.Permissions.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(p.now()),
			ExpiresAt: jwt.NewNumericDate(p.now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify parses token and returns the grant it carries.
func (p *Provider) Verify(token string) (Grant, error) {
	if len(p.secret) == 0 {
		return Grant{}, ErrNoSecret
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("auth: verify token: %w", err)
	}
	if !parsed.Valid {
		return Grant{}, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return Grant{}, ErrNoSubject
	}

	g := Grant{
		ParticipantID: claims.Subject,
		DisplayName:   claims.DisplayName,
		Permissions: participant.Permissions{
			Actions: claims.Actions,
			Scopes:  claims.Scopes,
		}.Copy(),
	}
	if claims.ExpiresAt != nil {
		g.ExpiresAt = claims.ExpiresAt.Time
	}
	return g, nil
}
