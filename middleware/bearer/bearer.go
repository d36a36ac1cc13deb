package bearer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-tenancy"
	goerrors "github.com/goliatone/go-errors"
)

var ErrTokenMissingOrMalformed = goerrors.New("missing or malformed bearer token", goerrors.CategoryAuth).
	WithTextCode("TOKEN_MISSING").
	WithCode(http.StatusUnauthorized)

// AccessTokenValidator is satisfied by *auth.Auther
type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (auth.AuthClaims, error)
}

// ValidationListener runs after the token was accepted and before the
// request proceeds. Returning an error rejects the request.
type ValidationListener func(r *http.Request, claims auth.AuthClaims) error

// UserLoader resolves accepted claims to the stored user. *auth.Auther
// provides one as UserForClaims.
type UserLoader func(ctx context.Context, claims auth.AuthClaims) (*auth.User, error)

// ErrorHandler writes the response for a rejected request
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type Config struct {
	Validator AccessTokenValidator
	// Filter skips the middleware when it returns true
	Filter       func(*http.Request) bool
	ErrorHandler ErrorHandler
	// TokenLookup is a comma separated list of header:<name>,
	// query:<name> and cookie:<name> sources, tried in order.
	TokenLookup         string
	AuthScheme          string
	ValidationListeners []ValidationListener
	// LoadUser, when set, puts the user in the request context where
	// auth.FromContext reads it. A load error rejects the request.
	LoadUser UserLoader
	Logger   auth.Logger
	// Now is used for Retry-After
	Now func() time.Time
}

const defaultTokenLookup = "header:Authorization"

// GetDefaultConfig fills in defaults. It panics without a Validator.
func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Validator == nil {
		panic("AUTH: bearer middleware configuration: Validator is required.")
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	if cfg.ErrorHandler == nil {
		now := cfg.Now
		cfg.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			WriteError(w, err, now())
		}
	}

	return cfg
}

// New validates the bearer token and stores the claims in the request
// context, where auth.GetClaims and auth.Can read them.
func New(config ...Config) func(http.Handler) http.Handler {
	cfg := GetDefaultConfig(config...)
	extractors := GetExtractors(cfg.TokenLookup, cfg.AuthScheme)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Filter != nil && cfg.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := ExtractRawToken(r, extractors)
			if err != nil {
				cfg.ErrorHandler(w, r, err)
				return
			}

			claims, err := cfg.Validator.ValidateAccessToken(r.Context(), raw)
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Debug("bearer token rejected: %v", err)
				}
				cfg.ErrorHandler(w, r, err)
				return
			}

			for _, listener := range cfg.ValidationListeners {
				if listener == nil {
					continue
				}
				if err := listener(r, claims); err != nil {
					cfg.ErrorHandler(w, r, err)
					return
				}
			}

			ctx := auth.WithClaimsContext(r.Context(), claims)
			if cfg.LoadUser != nil {
				user, err := cfg.LoadUser(ctx, claims)
				if err != nil {
					cfg.ErrorHandler(w, r, err)
					return
				}
				ctx = auth.WithContext(ctx, user)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission answers 403 unless the claims grant (resource, action).
// It must run after New.
func RequirePermission(resource, action string, handler ...ErrorHandler) func(http.Handler) http.Handler {
	onErr := pickHandler(handler)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.GetClaims(r.Context())
			if !ok {
				onErr(w, r, ErrTokenMissingOrMalformed)
				return
			}
			if !claims.Can(resource, action) {
				onErr(w, r, auth.ErrForbidden.Clone().WithMetadata(map[string]any{
					"resource": resource,
					"action":   action,
				}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole answers 403 unless the primary role bucket is at least min
func RequireRole(min auth.RoleBucket, handler ...ErrorHandler) func(http.Handler) http.Handler {
	onErr := pickHandler(handler)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.GetClaims(r.Context())
			if !ok {
				onErr(w, r, ErrTokenMissingOrMalformed)
				return
			}
			if !claims.IsAtLeast(min) {
				onErr(w, r, auth.ErrForbidden.Clone().WithMetadata(map[string]any{
					"minimum_role": string(min),
				}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pickHandler(handler []ErrorHandler) ErrorHandler {
	if len(handler) > 0 && handler[0] != nil {
		return handler[0]
	}
	return func(w http.ResponseWriter, r *http.Request, err error) {
		WriteError(w, err, time.Now().UTC())
	}
}

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message  string         `json:"message"`
	TextCode string         `json:"text_code,omitempty"`
	Category string         `json:"category,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusFor maps an error to its HTTP status
func StatusFor(err error) int {
	var quotaErr *auth.QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusTooManyRequests
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return http.StatusInternalServerError
	}

	switch richErr.Category {
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	}

	if richErr.Code >= 400 && richErr.Code < 600 {
		return richErr.Code
	}

	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the JSON envelope. Quota failures carry Retry-After
// in whole seconds, rounded up.
func WriteError(w http.ResponseWriter, err error, now time.Time) {
	status := StatusFor(err)

	var quotaErr *auth.QuotaExceededError
	if errors.As(err, &quotaErr) {
		secs := int(math.Ceil(quotaErr.RetryAfter(now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	detail := ErrorDetail{Message: http.StatusText(status)}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		detail.Message = richErr.Message
		detail.TextCode = richErr.TextCode
		detail.Category = string(richErr.Category)
		if status < http.StatusInternalServerError {
			detail.Metadata = richErr.Metadata
		}
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}

// Extractor pulls a raw token out of a request
type Extractor func(r *http.Request) (string, error)

// ExtractRawToken returns the first token any extractor finds
func ExtractRawToken(r *http.Request, extractors []Extractor) (string, error) {
	err := error(ErrTokenMissingOrMalformed)
	for _, extractor := range extractors {
		raw, exErr := extractor(r)
		if raw != "" && exErr == nil {
			return raw, nil
		}
		if exErr != nil {
			err = exErr
		}
	}
	return "", err
}

// GetExtractors parses a lookup like "header:Authorization,cookie:jwt"
func GetExtractors(tokenLookup string, authScheme string) []Extractor {
	extractors := make([]Extractor, 0)

	for _, rootPart := range strings.Split(tokenLookup, ",") {
		parts := strings.SplitN(strings.TrimSpace(rootPart), ":", 2)
		if len(parts) != 2 {
			continue
		}
		source, name := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

		switch source {
		case "header":
			extractors = append(extractors, fromHeader(name, authScheme))
		case "query":
			extractors = append(extractors, fromQuery(name))
		case "cookie":
			extractors = append(extractors, fromCookie(name))
		}
	}

	return extractors
}

func fromHeader(header, authScheme string) Extractor {
	authScheme = strings.TrimSpace(authScheme)
	l := len(authScheme)
	return func(r *http.Request) (string, error) {
		a := r.Header.Get(header)
		if l == 0 {
			if a == "" {
				return "", ErrTokenMissingOrMalformed
			}
			return strings.TrimSpace(a), nil
		}
		if len(a) > l+1 && strings.EqualFold(a[:l], authScheme) && a[l] == ' ' {
			return strings.TrimSpace(a[l:]), nil
		}
		return "", ErrTokenMissingOrMalformed
	}
}

func fromQuery(param string) Extractor {
	return func(r *http.Request) (string, error) {
		token := r.URL.Query().Get(param)
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}

func fromCookie(name string) Extractor {
	return func(r *http.Request) (string, error) {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return c.Value, nil
	}
}
