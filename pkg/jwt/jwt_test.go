package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-at-least-32-characters"

func newTestManager() *JWTManager {
	return NewJWTManager(testSecret, 15*time.Minute, 30*24*time.Hour)
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	manager := newTestManager()
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "Dr. Chen", "staff")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)

	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "Dr. Chen", claims.DisplayName)
	assert.Equal(t, "staff", claims.Role)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := newTestManager()
	other := NewJWTManager("another-secret-key-32-characters-long", 15*time.Minute, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "Pat", "patient")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager(testSecret, -time.Minute, time.Hour)

	token, err := manager.GenerateAccessToken(uuid.New(), "Pat", "patient")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Garbage(t *testing.T) {
	manager := newTestManager()

	_, err := manager.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestExtractUserID(t *testing.T) {
	manager := newTestManager()
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "Pat", "patient")
	require.NoError(t, err)

	extracted, err := manager.ExtractUserID(token)
	require.NoError(t, err)
	assert.Equal(t, userID, extracted)
}

func TestRefreshToken(t *testing.T) {
	manager := newTestManager()
	userID := uuid.New()

	token, err := manager.GenerateRefreshToken(userID)
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
}
