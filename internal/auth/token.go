// Package auth provides authentication for the broker: bearer-token
// parsing, internally-issued HS256 tokens, externally-issued tokens
// verified against a cached JSON Web Key set, and presigned child tokens.
//
// TOKEN FORMS:
//
//  1. Internal tokens carry the "#RTC:" prefix marker, stripped before
//     verification, and are signed with the process JWT secret (HS256).
//     Claims: scopes, expires_at, user_id, parent, email, roles.
//  2. External tokens are RS256 JWTs verified against the issuer's JWKS,
//     fetched lazily and cached.
//
// SECURITY: the signing method is pinned per token form. Internal tokens
// reject anything but HMAC; external tokens are delegated to the OIDC
// verifier which pins RS256. Tokens with "alg": "none" never validate.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
)

// InternalTokenPrefix marks internally-issued tokens.
const InternalTokenPrefix = "#RTC:"

// Claims are the claims of an internally-issued token.
type Claims struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles"`
	Parent    string   `json:"parent,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt *float64 `json:"expires_at,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig configures a presigned child token.
type TokenConfig struct {
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresIn int64    `json:"expires_in,omitempty"`
	Email     string   `json:"email,omitempty"`
}

// TokenManager validates bearer credentials and mints presigned child
// tokens. External verification is pluggable so tests can stub it.
type TokenManager struct {
	secret   string
	external ExternalVerifier
}

// ExternalVerifier validates an externally-issued bearer token and
// returns the decoded user.
type ExternalVerifier interface {
	Verify(rawToken string) (*core.UserInfo, error)
}

// NewTokenManager creates a token manager. external may be nil, in which
// case only internal tokens validate.
func NewTokenManager(secret string, external ExternalVerifier) *TokenManager {
	return &TokenManager{secret: secret, external: external}
}

// ValidToken parses an Authorization header value and returns the decoded
// user. Fails with TOKEN_EXPIRED, TOKEN_INVALID or UNAUTHORIZED.
func (m *TokenManager) ValidToken(authorization string) (*core.UserInfo, error) {
	if authorization == "" {
		return nil, errors.Unauthorized("Authorization header is expected")
	}
	parts := strings.Fields(authorization)
	if !strings.EqualFold(parts[0], "bearer") {
		return nil, errors.Unauthorized("Authorization header must start with Bearer")
	}
	if len(parts) == 1 {
		return nil, errors.Unauthorized("Token not found")
	}
	if len(parts) > 2 {
		return nil, errors.Unauthorized("Authorization header must be 'Bearer' token")
	}
	raw := parts[1]
	if strings.HasPrefix(raw, InternalTokenPrefix) {
		return m.validInternal(strings.TrimPrefix(raw, InternalTokenPrefix))
	}
	if m.external == nil {
		return nil, errors.TokenInvalid("external tokens are not accepted")
	}
	return m.external.Verify(raw)
}

func (m *TokenManager) validInternal(raw string) (*core.UserInfo, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.secret), nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid(err.Error())
	}
	if !token.Valid {
		return nil, errors.TokenInvalid("invalid token")
	}
	user := &core.UserInfo{
		ID:     claims.UserID,
		Email:  claims.Email,
		Roles:  claims.Roles,
		Parent: claims.Parent,
		Scopes: claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		expires := time.Unix(int64(*claims.ExpiresAt), 0)
		if time.Now().After(expires) {
			return nil, errors.TokenExpired()
		}
		user.ExpiresAt = &expires
	}
	return user, nil
}

// GeneratePresignedToken mints a child token for the caller. The child
// gets a fresh user id, inherits the caller's parent chain, and may only
// narrow scopes: a scope outside the caller's scopes is a permission
// error.
func (m *TokenManager) GeneratePresignedToken(user *core.UserInfo, config TokenConfig) (string, error) {
	for _, scope := range config.Scopes {
		if !user.HasScope(scope) {
			return "", errors.Forbidden("user has no permission to scope: " + scope)
		}
	}

	parent := user.Parent
	if parent == "" {
		parent = user.ID
	}
	claims := &Claims{
		// always generate a new user id
		UserID: uuid.NewString(),
		Email:  config.Email,
		Roles:  []string{},
		Parent: parent,
		Scopes: config.Scopes,
	}
	if config.ExpiresIn != 0 {
		expiresAt := float64(time.Now().Unix() + config.ExpiresIn)
		claims.ExpiresAt = &expiresAt
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secret))
	if err != nil {
		return "", errors.InternalServer("failed to sign token: " + err.Error())
	}
	return InternalTokenPrefix + signed, nil
}

// AnonymousUser creates a fresh anonymous identity for an
// unauthenticated session.
func AnonymousUser() *core.UserInfo {
	return &core.UserInfo{
		ID:          uuid.NewString(),
		Roles:       []string{},
		IsAnonymous: true,
	}
}
