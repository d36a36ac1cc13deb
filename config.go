package auth

import (
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the auth components read. It is passed
// explicitly to constructors; nothing is read from ambient state.
type Config struct {
	SigningKey      string        `yaml:"signing_key"`
	Issuer          string        `yaml:"issuer"`
	Audience        []string      `yaml:"audience"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	BcryptCost      int           `yaml:"bcrypt_cost"`

	PasswordReset     PasswordResetConfig     `yaml:"password_reset"`
	EmailVerification EmailVerificationConfig `yaml:"email_verification"`
	Invitations       InvitationConfig        `yaml:"invitations"`
	ActivityWatch     ActivityWatchConfig     `yaml:"activity_watch"`
	Quotas            QuotaConfig             `yaml:"quotas"`
	Email             EmailConfig             `yaml:"email"`
	Maintenance       MaintenanceConfig       `yaml:"maintenance"`
}

type PasswordResetConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	RateLimit        int           `yaml:"rate_limit"`
	RateWindow       time.Duration `yaml:"rate_window"`
	CleanupAfterDays int           `yaml:"cleanup_after_days"`
}

type EmailVerificationConfig struct {
	CodeLength     int           `yaml:"code_length"`
	TTL            time.Duration `yaml:"ttl"`
	ResendCooldown time.Duration `yaml:"resend_cooldown"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

type InvitationConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	DefaultRole string        `yaml:"default_role"`
}

type ActivityWatchConfig struct {
	Enabled       bool   `yaml:"enabled"`
	EncryptionKey string `yaml:"encryption_key"`
}

type QuotaConfig struct {
	DefaultMaxDocumentSizeMB int      `yaml:"default_max_document_size_mb"`
	DocumentServiceTypes     []string `yaml:"document_service_types"`
}

type EmailConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	BaseURL       string  `yaml:"base_url"`
}

// MaintenanceConfig holds cron specs for the sweeper. Empty disables a job.
type MaintenanceConfig struct {
	InvitationSweep    string `yaml:"invitation_sweep"`
	BlacklistSweep     string `yaml:"blacklist_sweep"`
	PasswordResetSweep string `yaml:"password_reset_sweep"`
	RefreshTokenSweep  string `yaml:"refresh_token_sweep"`
}

// DefaultConfig returns the stock settings. SigningKey must still be set.
func DefaultConfig() Config {
	return Config{
		Issuer:          "go-auth-tenancy",
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		BcryptCost:      12,
		PasswordReset: PasswordResetConfig{
			TTL:              30 * time.Minute,
			RateLimit:        3,
			RateWindow:       time.Hour,
			CleanupAfterDays: 7,
		},
		EmailVerification: EmailVerificationConfig{
			CodeLength:     6,
			TTL:            30 * time.Minute,
			ResendCooldown: 60 * time.Second,
			MaxAttempts:    5,
		},
		Invitations: InvitationConfig{
			TTL:         7 * 24 * time.Hour,
			DefaultRole: RoleMember,
		},
		Quotas: QuotaConfig{
			DefaultMaxDocumentSizeMB: 10,
			DocumentServiceTypes:     []string{"ocr_text_file", "document_process"},
		},
		Email: EmailConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Maintenance: MaintenanceConfig{
			InvitationSweep:    "@every 1h",
			BlacklistSweep:     "@every 30m",
			PasswordResetSweep: "@daily",
			RefreshTokenSweep:  "@daily",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read auth config").
			WithMetadata(map[string]any{"path": path})
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse auth config").
			WithMetadata(map[string]any{"path": path})
	}

	if v := os.Getenv("AUTH_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}

	if v := os.Getenv("AUTH_ACTIVITY_WATCH_KEY"); v != "" {
		cfg.ActivityWatch.EncryptionKey = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the config for required values and sane ranges
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.AccessTokenTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RefreshTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&c.BcryptCost, validation.Min(4), validation.Max(31)),
	)
	if err == nil {
		err = c.PasswordReset.Validate()
	}
	if err == nil {
		err = c.EmailVerification.Validate()
	}
	if err == nil {
		err = c.Invitations.Validate()
	}
	if err == nil && c.ActivityWatch.Enabled {
		err = validation.Validate(c.ActivityWatch.EncryptionKey, validation.Required, validation.Length(16, 0))
	}

	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid auth config")
	}
	return nil
}

func (c PasswordResetConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TTL, validation.Required),
		validation.Field(&c.RateLimit, validation.Required, validation.Min(1)),
		validation.Field(&c.RateWindow, validation.Required),
		validation.Field(&c.CleanupAfterDays, validation.Min(0)),
	)
}

func (c EmailVerificationConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.CodeLength, validation.Required, validation.Min(4), validation.Max(10)),
		validation.Field(&c.TTL, validation.Required),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
	)
}

func (c InvitationConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TTL, validation.Required),
		validation.Field(&c.DefaultRole, validation.Required),
	)
}

func (c Config) isDocumentService(serviceType string) bool {
	for _, s := range c.Quotas.DocumentServiceTypes {
		if s == serviceType {
			return true
		}
	}
	return false
}
