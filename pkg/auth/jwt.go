// Package auth issues and verifies the bearer tokens that guard the run API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingToken     = errors.New("missing authentication token")
	ErrInsufficientRole = errors.New("insufficient permissions")
)

// Role is a caller's access level.
type Role string

const (
	// RoleAdmin may do anything an operator may.
	RoleAdmin Role = "admin"
	// RoleOperator may submit election runs.
	RoleOperator Role = "operator"
	// RoleObserver may read runs, targets and cluster state.
	RoleObserver Role = "observer"
)

var roleLevel = map[Role]int{
	RoleAdmin:    100,
	RoleOperator: 50,
	RoleObserver: 10,
}

// HasPermission reports whether r is at least required. Unknown roles have
// no permissions.
func (r Role) HasPermission(required Role) bool {
	level, ok := roleLevel[r]
	return ok && level >= roleLevel[required]
}

type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type JWTConfig struct {
	SecretKey   string
	Issuer      string
	TokenExpiry time.Duration
}

func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		SecretKey:   secret,
		Issuer:      "egcoord",
		TokenExpiry: 1 * time.Hour,
	}
}

type JWTService struct {
	config JWTConfig
	now    func() time.Time
}

func NewJWTService(config JWTConfig) (*JWTService, error) {
	if config.SecretKey == "" {
		return nil, errors.New("JWT secret key is required")
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	return &JWTService{config: config, now: time.Now}, nil
}

// GenerateToken signs a token for subject with role.
func (s *JWTService) GenerateToken(subject string, role Role) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}
