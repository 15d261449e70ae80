package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	ModeGateway  Mode = "gateway"
	ModeJWT      Mode = "jwt"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode `yaml:"mode"`

	// Gateway mode: identity headers signed by the edge gateway.
	GatewaySecret  string        `yaml:"gateway_secret"`
	GatewayMaxSkew time.Duration `yaml:"gateway_max_skew"`

	// JWT mode: HS256 bearer tokens.
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
	RolesClaim  string `yaml:"roles_claim"`
	EmailClaim  string `yaml:"email_claim"`

	DevSubject string   `yaml:"dev_subject"`
	DevEmail   string   `yaml:"dev_email"`
	DevRoles   []string `yaml:"dev_roles"`
}

func DefaultConfig() Config {
	return Config{
		Mode:           ModeDev,
		GatewayMaxSkew: 2 * time.Minute,
		RolesClaim:     "roles",
		EmailClaim:     "email",
		DevSubject:     "dev-user",
		DevEmail:       "dev-user@example.local",
		DevRoles:       []string{RoleAdmin},
	}
}

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeGateway:
		return ModeGateway, nil
	case ModeJWT:
		return ModeJWT, nil
	case ModeDev:
		return ModeDev, nil
	case ModeDisabled:
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("auth mode must be one of: gateway, jwt, dev, disabled (got %q)", raw)
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeGateway:
		if strings.TrimSpace(c.GatewaySecret) == "" {
			return errors.New("auth gateway secret is required when mode=gateway")
		}
		if c.GatewayMaxSkew < 0 {
			return errors.New("auth gateway max skew must be >= 0")
		}
	case ModeJWT:
		if strings.TrimSpace(c.JWTSecret) == "" {
			return errors.New("auth jwt secret is required when mode=jwt")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("auth roles claim is required when mode=jwt")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("auth dev subject is required when mode=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("auth dev roles must be non-empty when mode=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// NewAuthenticator returns the authenticator for the configured mode.
func NewAuthenticator(cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeGateway:
		return GatewayHeadersAuthenticator{Secret: cfg.GatewaySecret, MaxSkew: cfg.GatewayMaxSkew}, nil
	case ModeJWT:
		return NewJWTAuthenticator(cfg), nil
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return &DevAuthenticator{identity: Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
