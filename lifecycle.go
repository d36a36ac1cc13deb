package auth

// TokenLifecycle bundles the token state services that share a codec,
// a repository manager and a clock.
type TokenLifecycle struct {
	Tokens             TokenService
	RefreshTokens      *RefreshTokens
	Blacklist          *Blacklist
	PasswordResets     *PasswordResets
	EmailVerifications *EmailVerifications
	// ActivityWatch is nil when device tokens are disabled
	ActivityWatch *ActivityWatch
}

// NewTokenLifecycle builds every lifecycle service from cfg. cache may be
// nil, in which case the blacklist only reads the database.
func NewTokenLifecycle(repo RepositoryManager, tokens TokenService, cfg Config, cache RevocationCache, opts ...ServiceOption) (*TokenLifecycle, error) {
	lc := &TokenLifecycle{
		Tokens:        tokens,
		RefreshTokens: NewRefreshTokens(repo, tokens, cfg, opts...),
		Blacklist: NewBlacklist(repo, tokens,
			WithRevocationCache(cache),
			WithBlacklistServiceOptions(opts...),
		),
		PasswordResets:     NewPasswordResets(repo, cfg, opts...),
		EmailVerifications: NewEmailVerifications(repo, cfg, opts...),
	}

	if cfg.ActivityWatch.Enabled {
		aw, err := NewActivityWatchFromConfig(repo, cfg, opts...)
		if err != nil {
			return nil, err
		}
		lc.ActivityWatch = aw
	}

	return lc, nil
}
