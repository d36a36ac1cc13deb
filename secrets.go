package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"

	goerrors "github.com/goliatone/go-errors"
)

// GenerateURLSafeToken returns n random bytes encoded as unpadded base64url
func GenerateURLSafeToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read random bytes")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest used to store opaque tokens
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateNumericCode returns a code in [10^(n-1), 10^n - 1]
func GenerateNumericCode(length int) (string, error) {
	if length < 1 {
		return "", goerrors.New("code length must be positive", goerrors.CategoryBadInput)
	}

	low := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length-1)), nil)
	high := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	span := new(big.Int).Sub(high, low)

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate numeric code")
	}

	return n.Add(n, low).String(), nil
}
