package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}

func TestToken_RoundTrip(t *testing.T) {
	s, err := NewJWTService(DefaultJWTConfig("secret"))
	require.NoError(t, err)

	token, err := s.GenerateToken("ops-1", RoleOperator)
	require.NoError(t, err)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestValidateToken_Rejects(t *testing.T) {
	s, err := NewJWTService(DefaultJWTConfig("secret"))
	require.NoError(t, err)
	other, err := NewJWTService(DefaultJWTConfig("other"))
	require.NoError(t, err)

	foreign, err := other.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)
	_, err = s.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := s.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleObserver))
	assert.False(t, RoleObserver.HasPermission(RoleOperator))
	assert.False(t, Role("root").HasPermission(RoleObserver))
}
