package auth_test

import (
	"testing"

	auth "github.com/goliatone/go-auth-tenancy"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func TestBcryptAuthenticatorHashPassword(t *testing.T) {
	hasher := auth.NewBcryptAuthenticator(bcrypt.MinCost)

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{
			name:     "Valid password",
			password: "securePassword123!",
		},
		{
			name:     "Empty password",
			password: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := hasher.HashPassword(tt.password)

			if tt.wantErr {
				assert.True(t, auth.MatchError(err, auth.ErrEmptyPassword))
				return
			}

			assert.NoError(t, err)
			assert.NotEmpty(t, hash)
			assert.NoError(t, hasher.ComparePasswordAndHash(tt.password, hash))
		})
	}
}

func TestBcryptAuthenticatorMismatch(t *testing.T) {
	hasher := auth.NewBcryptAuthenticator(bcrypt.MinCost)

	hash, err := hasher.HashPassword("correct horse battery staple")
	assert.NoError(t, err)

	err = hasher.ComparePasswordAndHash("wrong password", hash)
	assert.True(t, auth.MatchError(err, auth.ErrIncorrectCredentials))
}

func TestNewBcryptAuthenticatorClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, auth.NewBcryptAuthenticator(1).Cost)
	assert.Equal(t, bcrypt.DefaultCost, auth.NewBcryptAuthenticator(99).Cost)
	assert.Equal(t, 12, auth.NewBcryptAuthenticator(12).Cost)
}
