package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTTL is used when GenerateToken is given a non-positive TTL.
const defaultTTL = 15 * time.Minute

// Role is the authorisation tier carried in a token.
type Role string

const (
	// RoleOperator can read device state and send commands.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally register and delete devices.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleAdmin
}

// Claims are the registered JWT claims plus the caller's company and role.
type Claims struct {
	jwt.RegisteredClaims
	Company string `json:"company"`
	Role    Role   `json:"role"`
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Validate is called by the jwt parser after the expiry and signature
// checks pass.
func (c *Claims) Validate() error {
	switch {
	case c.Subject == "":
		return errors.New("missing subject")
	case c.Company == "":
		return errors.New("missing company")
	case !c.Role.Valid():
		return fmt.Errorf("unknown role %q", c.Role)
	}
	return nil
}

// GenerateToken signs an HS256 access token for subject in company. A
// non-positive ttl means defaultTTL.
func GenerateToken(subject, company string, role Role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Company: company,
		Role:    role,
	}).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies tokenString and returns its claims. Every failure
// wraps ErrTokenInvalid.
func ParseToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return &claims, nil
}
