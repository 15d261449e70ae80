package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator validates HS256 bearer tokens. The subject comes from the
// registered "sub" claim; email and roles from the configured claims.
type JWTAuthenticator struct {
	secret     []byte
	issuer     string
	audience   string
	rolesClaim string
	emailClaim string
}

func NewJWTAuthenticator(cfg Config) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:     []byte(cfg.JWTSecret),
		issuer:     strings.TrimSpace(cfg.JWTIssuer),
		audience:   strings.TrimSpace(cfg.JWTAudience),
		rolesClaim: cfg.RolesClaim,
		emailClaim: cfg.EmailClaim,
	}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return Identity{}, ErrUnauthenticated
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return Identity{}, errors.New("authorization header format must be Bearer <token>")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Identity{}, errors.New("token subject is required")
	}
	identity := Identity{Subject: strings.TrimSpace(subject)}
	if email, ok := claims[a.emailClaim].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	switch roles := claims[a.rolesClaim].(type) {
	case string:
		identity.Roles = splitRoles(roles)
	case []any:
		for _, role := range roles {
			if s, ok := role.(string); ok && strings.TrimSpace(s) != "" {
				identity.Roles = append(identity.Roles, strings.ToLower(strings.TrimSpace(s)))
			}
		}
	}
	return identity, nil
}
