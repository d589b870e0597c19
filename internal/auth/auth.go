// Package auth protects the HTTP admin routes. There is a single
// administrator: a bcrypt hash of their password is configured, a correct
// password is exchanged for an HS256 JWT, and the middleware checks that
// token on every admin request.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AdminSubject is the subject of every issued token.
	AdminSubject = "admin"
	tokenIssuer  = "awg-admin"
)

// ErrAuthDisabled is returned when tokens are requested but no signing
// secret is configured.
var ErrAuthDisabled = errors.New("admin authentication is not configured")

// AuthManager issues and validates admin tokens.
type AuthManager struct {
	jwtSecret    string        // Secret key for JWT token signing and verification
	passwordHash string        // bcrypt hash of the admin password
	tokenExpiry  time.Duration // Duration for which tokens remain valid
	now          func() time.Time
}

// Claims is the JWT claim set of an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthManager creates a manager with a 12 hour token lifetime.
func NewAuthManager(jwtSecret, passwordHash string) *AuthManager {
	return NewAuthManagerWithConfig(jwtSecret, passwordHash, 12*time.Hour)
}

// NewAuthManagerWithConfig creates a manager with a custom token lifetime.
func NewAuthManagerWithConfig(jwtSecret, passwordHash string, tokenExpiry time.Duration) *AuthManager {
	return &AuthManager{
		jwtSecret:    jwtSecret,
		passwordHash: passwordHash,
		tokenExpiry:  tokenExpiry,
		now:          time.Now,
	}
}

// HashPassword creates a bcrypt hash suitable for http.admin_password_hash.
func HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// VerifyPassword reports whether password matches the configured hash.
// Without a configured hash every password is rejected.
func (am *AuthManager) VerifyPassword(password string) bool {
	if am.passwordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(am.passwordHash), []byte(password)) == nil
}

// GenerateToken signs a new admin token and returns it with its expiry.
func (am *AuthManager) GenerateToken() (string, time.Time, error) {
	if am.jwtSecret == "" {
		return "", time.Time{}, ErrAuthDisabled
	}

	now := am.now()
	expiresAt := now.Add(am.tokenExpiry)
	claims := &Claims{
		Role: AdminSubject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   AdminSubject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(am.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken parses tokenString and checks its signature, issuer and
// lifetime.
func (am *AuthManager) ValidateToken(tokenString string) (*Claims, error) {
	if am.jwtSecret == "" {
		return nil, ErrAuthDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.jwtSecret), nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(am.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != AdminSubject {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
