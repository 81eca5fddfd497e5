package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	for _, role := range []Role{RoleOperator, RoleAdmin} {
		t.Run(string(role), func(t *testing.T) {
			tok, err := GenerateToken("curator@acme", "acme", role, testSecret, time.Hour)
			if err != nil {
				t.Fatalf("GenerateToken() error = %v", err)
			}
			claims, err := ParseToken(tok, testSecret)
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}

			if claims.Subject != "curator@acme" || claims.Company != "acme" || claims.Role != role {
				t.Errorf("claims = %s/%s/%s", claims.Subject, claims.Company, claims.Role)
			}
			if claims.IsAdmin() != (role == RoleAdmin) {
				t.Errorf("IsAdmin() = %v for %s", claims.IsAdmin(), role)
			}
			if claims.ID == "" {
				t.Error("token has no jti")
			}
		})
	}
}

func TestGenerateToken_UniqueIDs(t *testing.T) {
	a, _ := GenerateToken("u", "acme", RoleOperator, testSecret, time.Minute) //nolint:errcheck // checked by parse
	b, _ := GenerateToken("u", "acme", RoleOperator, testSecret, time.Minute) //nolint:errcheck // checked by parse
	ca, errA := ParseToken(a, testSecret)
	cb, errB := ParseToken(b, testSecret)
	if errA != nil || errB != nil {
		t.Fatalf("ParseToken() errors = %v, %v", errA, errB)
	}
	if ca.ID == cb.ID {
		t.Errorf("two tokens share jti %s", ca.ID)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	sign := func(method jwt.SigningMethod, c Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(method, &c).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return s
	}
	hs256 := jwt.SigningMethodHS256
	valid := func() Claims {
		return Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Company: "acme",
			Role:    RoleOperator,
		}
	}
	with := func(edit func(*Claims)) Claims {
		c := valid()
		edit(&c)
		return c
	}
	otherSecret, err := GenerateToken("u", "acme", RoleAdmin, "a-different-secret-of-enough-size", 0)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := map[string]string{
		"empty":          "",
		"not a jwt":      "museum-alert",
		"two segments":   "abc.def",
		"other secret":   otherSecret,
		"hs512":          sign(jwt.SigningMethodHS512, valid()),
		"expired":        sign(hs256, with(func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })),
		"no expiry":      sign(hs256, with(func(c *Claims) { c.ExpiresAt = nil })),
		"issued later":   sign(hs256, with(func(c *Claims) { c.IssuedAt = jwt.NewNumericDate(time.Now().Add(time.Hour)) })),
		"no subject":     sign(hs256, with(func(c *Claims) { c.Subject = "" })),
		"no company":     sign(hs256, with(func(c *Claims) { c.Company = "" })),
		"role not known": sign(hs256, with(func(c *Claims) { c.Role = "owner" })),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken(tok, testSecret); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestMissingSecret(t *testing.T) {
	if _, err := GenerateToken("u", "acme", RoleAdmin, "", 0); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("GenerateToken() error = %v, want ErrMissingSecret", err)
	}
	if _, err := ParseToken("x.y.z", ""); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("ParseToken() error = %v, want ErrMissingSecret", err)
	}
}

func TestGenerateToken_DefaultTTL(t *testing.T) {
	tok, err := GenerateToken("u", "acme", RoleOperator, testSecret, -time.Second)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	claims, err := ParseToken(tok, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if ttl != defaultTTL {
		t.Errorf("ttl = %v, want %v", ttl, defaultTTL)
	}
}

func BenchmarkParseToken(b *testing.B) {
	tok, err := GenerateToken("bench", "acme", RoleAdmin, testSecret, time.Hour)
	if err != nil {
		b.Fatalf("GenerateToken: %v", err)
	}
	for b.Loop() {
		ParseToken(tok, testSecret) //nolint:errcheck // benchmark
	}
}
