package remote

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

var (
	errMissingSigningSecret = errors.New("remote: signing secret must be provided")
	errMissingServiceName   = errors.New("remote: service name must be provided")
)

// ServiceTokenConfig configures the outbound service-token issuer.
type ServiceTokenConfig struct {
	SigningSecret []byte
	ServiceName   string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// ServiceTokenIssuer mints short-lived HS256 bearer tokens identifying this
// service to the remote persistence endpoint.
type ServiceTokenIssuer struct {
	config ServiceTokenConfig
	clock  func() time.Time
}

// NewServiceTokenIssuer constructs an issuer with sane defaults.
func NewServiceTokenIssuer(cfg ServiceTokenConfig) *ServiceTokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &ServiceTokenIssuer{config: cfg, clock: clock}
}

// Issue produces a signed token for the next remote request.
func (i *ServiceTokenIssuer) Issue() (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if i.config.ServiceName == "" {
		return "", errMissingServiceName
	}

	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   i.config.ServiceName,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}
