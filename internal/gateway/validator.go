package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Sentinel failures surfaced to the client as 401 bodies.
var (
	ErrMissingToken    = errors.New("missing or malformed authorization header")
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrAuthUnavailable = errors.New("authentication unavailable")
)

// TokenClaims is the principal description produced by a Validator. The
// establisher copies the identity fields into the standard context; scopes
// stay here for policy layers to consume.
type TokenClaims struct {
	Subject  string
	TenantID string
	Email    string
	Groups   []string
	Scopes   []string
	NotAfter time.Time
}

// Validator resolves a bearer token to its claims. Implementations must be
// stateless; caching is the establisher's job, not the validator's.
type Validator interface {
	Validate(ctx context.Context, token string) (TokenClaims, error)
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(ctx context.Context, token string) (TokenClaims, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (TokenClaims, error) {
	return f(ctx, token)
}

// JWKSValidator verifies JWT signatures against a remote JWKS endpoint and
// maps the verified claims onto TokenClaims.
type JWKSValidator struct {
	keys keyfunc.Keyfunc
}

// NewJWKSValidator fetches the key set at jwksURL and keeps it refreshed in
// the background.
func NewJWKSValidator(jwksURL string) (*JWKSValidator, error) {
	keys, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("initialize JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSValidator{keys: keys}, nil
}

func (v *JWKSValidator) Validate(ctx context.Context, tokenString string) (TokenClaims, error) {
	token, err := jwt.Parse(tokenString, v.keys.KeyfuncCtx(ctx))
	if err != nil || !token.Valid {
		return TokenClaims{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return TokenClaims{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	out := TokenClaims{Subject: sub}
	out.TenantID, _ = claims["tenant_id"].(string)
	out.Email, _ = claims["email"].(string)
	out.Groups = stringClaim(claims["groups"])
	// OIDC encodes scopes as a space-separated "scope" string; some issuers
	// use a "scopes" array instead. Accept both.
	if s, ok := claims["scope"].(string); ok && s != "" {
		out.Scopes = strings.Fields(s)
	} else {
		out.Scopes = stringClaim(claims["scopes"])
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.NotAfter = exp.Time
	}
	return out, nil
}

func stringClaim(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
