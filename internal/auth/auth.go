// Package auth issues and verifies the HS256 bearer tokens used by the API.
//
// Tokens carry sub, role, jti, typ and exp. typ separates access tokens from
// refresh tokens so a refresh token can never authorize a request and an
// access token can never mint new tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
)

// ─── Token types ────────────────────────────────────────────

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrInvalidToken covers bad signatures, expiry and malformed claims.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrWrongTokenType is returned when an access token is presented where
	// a refresh token is required, or vice versa.
	ErrWrongTokenType = errors.New("auth: wrong token type")
)

var allowedRoles = map[model.Role]struct{}{
	model.RoleUser:       {},
	model.RoleCaptain:    {},
	model.RoleRestaurant: {},
	model.RoleAdmin:      {},
}

// ─── Types ──────────────────────────────────────────────────

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID   string
	Role model.Role
}

// TokenPair is the issuance response: one access and one refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Manager signs and verifies tokens with a shared HS256 secret.
type Manager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewManager builds a Manager from configuration.
func NewManager(cfg config.AuthConfig) *Manager {
	return &Manager{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenExp,
		refreshTTL: cfg.RefreshTokenExp,
		now:        time.Now,
	}
}

// ─── Issuance ───────────────────────────────────────────────

// IssuePair mints an access/refresh token pair for the subject.
func (m *Manager) IssuePair(subject string, role model.Role) (TokenPair, error) {
	if _, ok := allowedRoles[role]; !ok {
		return TokenPair{}, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}

	access, err := m.sign(subject, role, TypeAccess, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(subject, role, TypeRefresh, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.accessTTL.Seconds()),
	}, nil
}

func (m *Manager) sign(subject string, role model.Role, typ string, ttl time.Duration) (string, error) {
	now := m.now().UTC()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"jti":  uuid.NewString(),
		"typ":  typ,
		"iss":  m.issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign %s token: %w", typ, err)
	}
	return signed, nil
}

// ─── Verification ───────────────────────────────────────────

// Verify parses a token, checks signature, expiry, issuer and type, and
// returns the embedded principal.
func (m *Manager) Verify(token, wantTyp string) (*Principal, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	typ, _ := claims["typ"].(string)
	if typ != wantTyp {
		return nil, ErrWrongTokenType
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	roleStr, _ := claims["role"].(string)
	role := model.Role(roleStr)
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}

	return &Principal{ID: sub, Role: role}, nil
}

// Refresh validates a refresh token and mints a fresh pair for the same
// principal.
func (m *Manager) Refresh(refreshToken string) (TokenPair, error) {
	p, err := m.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return m.IssuePair(p.ID, p.Role)
}
