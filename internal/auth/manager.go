// Package auth authenticates console sessions. The service knows a single
// administrator credential; successful login yields a signed JWT that the
// API middleware checks on every protected route.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Common authentication errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// DefaultTokenTTL is the session lifetime when none is configured
const DefaultTokenTTL = 24 * time.Hour

// Config holds the administrator credential and token signing material
type Config struct {
	Username     string
	PasswordHash string // bcrypt hash
	Secret       string // HMAC signing key
	TokenTTL     time.Duration
}

// Manager validates credentials and issues session tokens
type Manager struct {
	username     string
	passwordHash []byte
	secret       []byte
	tokenTTL     time.Duration
	now          func() time.Time
}

// NewManager creates an authentication manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Username == "" || cfg.PasswordHash == "" {
		return nil, fmt.Errorf("admin username and password hash are required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		secret:       []byte(cfg.Secret),
		tokenTTL:     ttl,
		now:          time.Now,
	}, nil
}

// ValidateCredentials checks a console login attempt
func (m *Manager) ValidateCredentials(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateToken issues a signed session token for the given user
func (m *Manager) GenerateToken(username string) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    "presetd",
		Audience:  jwt.ClaimStrings{"presetd-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks a session token and returns the authenticated
// username.
func (m *Manager) ValidateToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// HashPassword produces a bcrypt hash suitable for the configuration file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
