// Package auth resolves caller identity and model-level authorization.
// The gateway consumes identity as a contract: authenticate(token)
// yields a principal, authorize(principal, model) yields allow or deny.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

// Principal is the resolved caller identity.
type Principal struct {
	ID            string   `json:"id"`
	Organization  string   `json:"organization,omitempty"`
	Project       string   `json:"project,omitempty"`
	Tier          string   `json:"tier,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"` // empty means all
}

// HasRole reports whether the principal carries a role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// Authorizer decides whether a principal may use a model.
type Authorizer interface {
	Authorize(principal *Principal, modelID string) error
}

// claims is the gateway's JWT claim shape.
type claims struct {
	jwt.RegisteredClaims
	Organization  string   `json:"org,omitempty"`
	Project       string   `json:"project,omitempty"`
	Tier          string   `json:"tier,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	AllowedModels []string `json:"models,omitempty"`
}

// JWTAuthenticator validates HMAC-signed tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates an authenticator. issuer is optional; when
// set, tokens from other issuers are rejected.
func NewJWTAuthenticator(secret []byte, issuer string) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, gwerr.Unauthorized("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, gwerr.Unauthorized("invalid token").WithCause(err)
	}
	if parsed.Subject == "" {
		return nil, gwerr.Unauthorized("token missing subject")
	}

	return &Principal{
		ID:            parsed.Subject,
		Organization:  parsed.Organization,
		Project:       parsed.Project,
		Tier:          parsed.Tier,
		Roles:         parsed.Roles,
		AllowedModels: parsed.AllowedModels,
	}, nil
}

// Sign issues a token for a principal, used by tests and tooling.
func (a *JWTAuthenticator) Sign(p *Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Organization:  p.Organization,
		Project:       p.Project,
		Tier:          p.Tier,
		Roles:         p.Roles,
		AllowedModels: p.AllowedModels,
	})
	return token.SignedString(a.secret)
}

// RoleAdmin bypasses per-model allow lists and gates admin operations.
const RoleAdmin = "admin"

// ModelAuthorizer enforces per-principal model allow lists.
type ModelAuthorizer struct{}

// Authorize implements Authorizer.
func (ModelAuthorizer) Authorize(p *Principal, modelID string) error {
	if p == nil {
		return gwerr.Unauthorized("no principal")
	}
	if len(p.AllowedModels) == 0 || p.HasRole(RoleAdmin) {
		return nil
	}
	for _, allowed := range p.AllowedModels {
		if allowed == modelID {
			return nil
		}
	}
	return gwerr.Unauthorized("principal %q is not allowed to use model %q", p.ID, modelID)
}

// StaticAuthenticator maps opaque API keys to principals, for
// deployments without a token issuer.
type StaticAuthenticator struct {
	keys map[string]*Principal
}

// NewStaticAuthenticator creates a key-table authenticator.
func NewStaticAuthenticator(keys map[string]*Principal) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if p, ok := a.keys[token]; ok {
		return p, nil
	}
	return nil, gwerr.Unauthorized("unknown api key")
}
