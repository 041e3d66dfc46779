// Package auth implements the adjustment Authorizer port.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qahub/reputation-engine/internal/application/command"
	"github.com/qahub/reputation-engine/internal/domain/points"
)

// RoleAdmin is the role a token must carry to adjust balances.
const RoleAdmin = "admin"

var (
	// ErrNotAllowed is returned when no rule admits the actor.
	ErrNotAllowed = errors.New("actor not allowed")
	// ErrMissingToken is returned by JWTAuthorizer when the actor has no token.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSubjectMismatch is returned when the token was issued to another actor.
	ErrSubjectMismatch = errors.New("token subject does not match actor")
)

// ══════════════════════════════════════════════════════════════════════════════
// STATIC ALLOWLIST
// ══════════════════════════════════════════════════════════════════════════════

// StaticAuthorizer admits a fixed set of actor ids.
type StaticAuthorizer struct {
	ids map[string]struct{}
}

// NewStaticAuthorizer creates a StaticAuthorizer. Blank ids are ignored.
func NewStaticAuthorizer(ids ...string) *StaticAuthorizer {
	a := &StaticAuthorizer{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

// AuthorizeAdjustment implements command.Authorizer.
func (a *StaticAuthorizer) AuthorizeAdjustment(_ context.Context, actor points.Actor) error {
	if _, ok := a.ids[actor.ID]; ok {
		return nil
	}
	return ErrNotAllowed
}

// ══════════════════════════════════════════════════════════════════════════════
// JWT
// ══════════════════════════════════════════════════════════════════════════════

// Claims are the admin token claims.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTAuthorizer admits actors presenting an HMAC-signed token whose subject is
// the actor id and whose roles include RoleAdmin. Roles on the actor itself
// are caller-supplied and ignored.
type JWTAuthorizer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// JWTOption customises a JWTAuthorizer.
type JWTOption func(*JWTAuthorizer)

// WithIssuer requires the token's iss claim.
func WithIssuer(iss string) JWTOption {
	return func(a *JWTAuthorizer) { a.issuer = iss }
}

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthorizer) { a.now = now }
}

// NewJWTAuthorizer creates a JWTAuthorizer.
func NewJWTAuthorizer(secret []byte, opts ...JWTOption) *JWTAuthorizer {
	a := &JWTAuthorizer{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AuthorizeAdjustment implements command.Authorizer.
func (a *JWTAuthorizer) AuthorizeAdjustment(_ context.Context, actor points.Actor) error {
	if actor.Token == "" {
		return ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(actor.Token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	if claims.Subject != actor.ID {
		return ErrSubjectMismatch
	}
	if !slices.Contains(claims.Roles, RoleAdmin) {
		return ErrNotAllowed
	}
	return nil
}

// IssueToken signs an admin token for subject. Used by reputationctl and tests.
func IssueToken(secret []byte, subject, issuer string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	})
	return token.SignedString(secret)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHAIN
// ══════════════════════════════════════════════════════════════════════════════

// ChainAuthorizer admits an actor if any member does.
type ChainAuthorizer []command.Authorizer

// AuthorizeAdjustment implements command.Authorizer.
func (c ChainAuthorizer) AuthorizeAdjustment(ctx context.Context, actor points.Actor) error {
	errs := make([]error, 0, len(c))
	for _, a := range c {
		err := a.AuthorizeAdjustment(ctx, actor)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNotAllowed
	}
	return errors.Join(errs...)
}

// New builds the authorizer for the configured admin ids and JWT secret.
// With neither configured every adjustment is refused.
func New(adminIDs []string, jwtSecret, jwtIssuer string) command.Authorizer {
	var chain ChainAuthorizer
	if len(adminIDs) > 0 {
		chain = append(chain, NewStaticAuthorizer(adminIDs...))
	}
	if jwtSecret != "" {
		chain = append(chain, NewJWTAuthorizer([]byte(jwtSecret), WithIssuer(jwtIssuer)))
	}
	return chain
}

var (
	_ command.Authorizer = (*StaticAuthorizer)(nil)
	_ command.Authorizer = (*JWTAuthorizer)(nil)
	_ command.Authorizer = ChainAuthorizer(nil)
)
