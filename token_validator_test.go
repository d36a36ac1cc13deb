package auth_test

import (
	"testing"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenServiceSatisfiesValidator(t *testing.T) {
	var validator auth.TokenValidator = auth.NewTokenService(tokenTestKey, "tenancy", nil)

	ts := auth.NewTokenService(tokenTestKey, "tenancy", nil)
	token, err := ts.Encode(newClaims("user-9", auth.TokenTypeAccess), time.Hour)
	require.NoError(t, err)

	claims, err := validator.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID())
	assert.Equal(t, string(auth.BucketMember), claims.Role())
}

func TestTokenValidatorFunc(t *testing.T) {
	called := ""
	validator := auth.TokenValidatorFunc(func(token string) (auth.AuthClaims, error) {
		called = token
		return nil, auth.ErrTokenMalformed
	})

	_, err := validator.Validate("abc")
	assert.Equal(t, "abc", called)
	assert.True(t, auth.IsMalformedError(err))
}
