package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
)

// Claim namespace for roles and email in externally-issued tokens.
const externalClaimNamespace = "https://api.hivegate.io/"

// OIDCVerifier validates externally-issued RS256 tokens against the
// issuer's JSON Web Key set. The key set is fetched lazily on first use
// and cached by the underlying remote key set, including kid-miss
// refresh.
type OIDCVerifier struct {
	domain   string
	audience string

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier creates a verifier for an issuer domain and audience.
func NewOIDCVerifier(domain, audience string) *OIDCVerifier {
	return &OIDCVerifier{domain: domain, audience: audience}
}

func (v *OIDCVerifier) getVerifier() *oidc.IDTokenVerifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier == nil {
		issuer := fmt.Sprintf("https://%s/", v.domain)
		keySet := oidc.NewRemoteKeySet(context.Background(), issuer+".well-known/jwks.json")
		v.verifier = oidc.NewVerifier(issuer, keySet, &oidc.Config{
			ClientID:             v.audience,
			SupportedSigningAlgs: []string{oidc.RS256},
		})
	}
	return v.verifier
}

// Verify validates a raw external token and maps its claims to a user.
func (v *OIDCVerifier) Verify(rawToken string) (*core.UserInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idToken, err := v.getVerifier().Verify(ctx, rawToken)
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errors.TokenExpired()
		}
		return nil, errors.TokenInvalid(err.Error())
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.TokenInvalid(err.Error())
	}

	user := &core.UserInfo{
		ID:    idToken.Subject,
		Roles: []string{},
	}
	if email, ok := claims[externalClaimNamespace+"email"].(string); ok {
		user.Email = email
	}
	if roles, ok := claims[externalClaimNamespace+"roles"].([]any); ok {
		for _, r := range roles {
			if role, ok := r.(string); ok {
				user.Roles = append(user.Roles, role)
			}
		}
	}
	user.ExpiresAt = &idToken.Expiry
	return user, nil
}
