package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"golang.org/x/crypto/chacha20poly1305"
)

// TokenCipher reversibly encrypts tokens that must be echoed back verbatim
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	LookupTag(plaintext string) (string, error)
}

type xchachaCipher struct {
	key []byte
}

// NewTokenCipher builds an XChaCha20-Poly1305 cipher. The secret is
// stretched to 32 bytes with SHA-256.
func NewTokenCipher(secret string) (TokenCipher, error) {
	if len(secret) < 16 {
		return nil, goerrors.New("token cipher secret must be at least 16 bytes", goerrors.CategoryValidation)
	}
	key := sha256.Sum256([]byte(secret))
	return &xchachaCipher{key: key[:]}, nil
}

func (c *xchachaCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init cipher")
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *xchachaCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryBadInput, "ciphertext is not valid base64")
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to init cipher")
	}

	if len(raw) < aead.NonceSize() {
		return "", goerrors.New("ciphertext too short", goerrors.CategoryBadInput)
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to decrypt token")
	}

	return string(plain), nil
}

// LookupTag derives a deterministic UUID from the plaintext so a presented
// token can be found with an indexed query instead of decrypting every row.
func (c *xchachaCipher) LookupTag(plaintext string) (string, error) {
	id, err := hashid.NewUUID(plaintext)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to derive lookup tag")
	}
	return id.String(), nil
}
