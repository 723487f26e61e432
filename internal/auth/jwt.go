// Package auth issues and validates admin API tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/internal/config"
	"github.com/lorawan-server/lorawan-network-core/pkg/crypto"
)

const issuer = "lorawan-network-core"

// ErrInvalidCredentials is returned for an unknown user or wrong password
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager manages JWT tokens for the single admin account
type JWTManager struct {
	jwt   config.JWTConfig
	user  string
	hash  string
	nowFn func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(jwtCfg config.JWTConfig, apiCfg config.APIConfig) *JWTManager {
	return &JWTManager{
		jwt:   jwtCfg,
		user:  apiCfg.AdminUser,
		hash:  apiCfg.AdminPasswordHash,
		nowFn: time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Login checks the admin credentials and returns a signed access token
func (m *JWTManager) Login(username, password string) (string, time.Time, error) {
	if m.hash == "" || username != m.user || !crypto.VerifyPassword(password, m.hash) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.GenerateToken(username)
}

// GenerateToken signs an access token for username
func (m *JWTManager) GenerateToken(username string) (string, time.Time, error) {
	now := m.nowFn()
	expires := now.Add(m.jwt.AccessTokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.jwt.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.jwt.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.nowFn))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
