package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// TokenService encodes and decodes signed, time bound claims
type TokenService interface {
	Encode(claims *JWTClaims, ttl time.Duration) (string, error)
	Decode(tokenString string) (*JWTClaims, error)
	DecodeType(tokenString string, expected TokenType) (*JWTClaims, error)
	Validate(tokenString string) (AuthClaims, error)
}

// TokenServiceOption customizes the token service
type TokenServiceOption func(*TokenServiceImpl)

// WithTokenClock injects a custom clock (useful for tests).
func WithTokenClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithTokenLogger sets the logger
func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

// TokenServiceImpl implements the TokenService interface with HS256
type TokenServiceImpl struct {
	signingKey []byte
	issuer     string
	audience   jwt.ClaimStrings
	logger     Logger
	now        func() time.Time
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, issuer string, audience []string, opts ...TokenServiceOption) *TokenServiceImpl {
	ts := &TokenServiceImpl{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   jwt.ClaimStrings(audience),
		logger:     defLogger{},
		now:        utcNow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}
	return ts
}

// NewTokenServiceFromConfig wires the service from Config
func NewTokenServiceFromConfig(cfg Config, opts ...TokenServiceOption) *TokenServiceImpl {
	return NewTokenService([]byte(cfg.SigningKey), cfg.Issuer, cfg.Audience, opts...)
}

// Encode sets iat, exp, iss, aud, jti and type, then signs the claims
func (ts *TokenServiceImpl) Encode(claims *JWTClaims, ttl time.Duration) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	if ttl <= 0 {
		return "", goerrors.New("token TTL must be positive", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"ttl": ttl.String()})
	}

	if claims.Type == "" {
		claims.Type = TokenTypeAccess
	}

	now := ts.now()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	if claims.RegisteredClaims.Issuer == "" {
		claims.RegisteredClaims.Issuer = ts.issuer
	}

	if len(claims.RegisteredClaims.Audience) == 0 && len(ts.audience) > 0 {
		claims.RegisteredClaims.Audience = append(jwt.ClaimStrings(nil), ts.audience...)
	}

	ensureTokenID(&claims.RegisteredClaims)

	return ts.SignClaims(claims)
}

// SignClaims signs arbitrary JWT claims using the configured signing key.
func (ts *TokenServiceImpl) SignClaims(claims *JWTClaims) (string, error) {
	if claims == nil {
		return "", goerrors.New("claims must not be nil", goerrors.CategoryInternal)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedString, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign JWT")
	}

	return signedString, nil
}

// Decode verifies the signature, algorithm, issuer and expiry
func (ts *TokenServiceImpl) Decode(tokenString string) (*JWTClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("TokenService decode encountered unexpected signing method: %v", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"reason": err.Error()})
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}

	if !claims.Type.IsValid() {
		return nil, withMetadata(ErrTokenMalformed, map[string]any{"reason": "missing or unknown type claim"})
	}

	return claims, nil
}

// DecodeType decodes and requires a specific type claim
func (ts *TokenServiceImpl) DecodeType(tokenString string, expected TokenType) (*JWTClaims, error) {
	claims, err := ts.Decode(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.Type != expected {
		return nil, withMetadata(ErrInvalidTokenType, map[string]any{
			"expected": string(expected),
			"actual":   string(claims.Type),
		})
	}

	return claims, nil
}

// Validate satisfies TokenValidator for access tokens
func (ts *TokenServiceImpl) Validate(tokenString string) (AuthClaims, error) {
	claims, err := ts.DecodeType(tokenString, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
}
