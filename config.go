package authcore

import (
	"errors"
	"time"
)

// Config holds every tunable of the engine. Zero values are not usable
// directly; start from [DefaultConfig] and override what you need. The
// builder clones the config on Build, so later mutation of the caller's
// copy has no effect on a running engine.
type Config struct {
	Token     TokenConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Codes     CodeConfig
	Password  PasswordConfig
	TOTP      TOTPConfig
	OAuth     OAuthConfig
	Device    DeviceConfig
	APIKey    APIKeyConfig
	WebAuthn  WebAuthnConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Store     StoreConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access token signing and verification.
//
// With "ed25519" PrivateKey is the signing key (raw 64-byte or PEM) and
// PublicKey may be left empty when VerifyKeys carries the active key.
// With "hs256" PrivateKey is the shared secret.
type TokenConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	// VerifyKeys maps key ids to verification keys for rotation. Tokens
	// signed under a retired KeyID keep verifying until the entry is
	// removed.
	VerifyKeys map[string][]byte
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig bounds session and refresh token lifetimes.
//
// Every rotation extends the session by InactivityWindow, but never
// past creation time plus AbsoluteLifetime. ReuseGrace is the window in
// which a just-rotated token is still accepted once more, to absorb
// racing refreshes from the same client; it must stay short.
type SessionConfig struct {
	InactivityWindow time.Duration
	AbsoluteLifetime time.Duration
	ReuseGrace       time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig tunes the failed-attempt limiter that runs before
// every secret comparison. Disabled means attempts are never rejected,
// which is only acceptable in tests.
type RateLimitConfig struct {
	Enabled        bool
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RecoveryFactor int
}

/*
====================================
VERIFICATION CODE CONFIG
====================================
*/

// CodeConfig is the policy for one-time verification codes issued by
// the email and phone providers and by password reset.
type CodeConfig struct {
	// OTPDigits is the length of numeric codes, 6 to 10.
	OTPDigits int
	// LinkLength is the length of magic-link tokens, 16 to 128.
	LinkLength int
	TTL        time.Duration
	// MaxAttempts bounds wrong-code submissions per verifier before the
	// pending flow is cancelled.
	MaxAttempts int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id cost parameters. Memory is in KB. The
// password package enforces hard floors on every field at build time.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls authenticator app enrollment and verification.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	// SetupTTL bounds how long a generated secret may wait for its
	// confirming code.
	SetupTTL time.Duration
	// ChallengeTTL bounds how long a sign-in may wait for its second
	// factor.
	ChallengeTTL time.Duration
	MaxAttempts  int
}

/*
====================================
OAUTH CONFIG
====================================
*/

// OAuthConfig covers the engine side of the authorization code flow.
// Endpoints and client credentials live in the [OAuthExchanger].
type OAuthConfig struct {
	// StateTTL bounds how long an issued redirect may wait for its
	// callback.
	StateTTL time.Duration
}

/*
====================================
DEVICE CONFIG
====================================
*/

// DeviceConfig tunes the device authorization grant.
type DeviceConfig struct {
	CodeTTL      time.Duration
	PollInterval time.Duration
	// UserCodeLength counts code characters before dash grouping, 4 to
	// 16.
	UserCodeLength int
	// VerificationURI is returned to devices so they can show the user
	// where to enter the code. Providers may override it per flow.
	VerificationURI string
}

/*
====================================
API KEY CONFIG
====================================
*/

// APIKeyConfig covers long-lived machine credentials.
type APIKeyConfig struct {
	// Prefix is baked into every issued secret so leaked keys can be
	// recognized in scanners and logs.
	Prefix string
	// DefaultTTL applies when key creation passes no explicit TTL. Zero
	// means keys do not expire.
	DefaultTTL time.Duration
	// Scopes is the closed set of grantable scope names, at most 64.
	Scopes []string
}

/*
====================================
WEBAUTHN CONFIG
====================================
*/

// WebAuthnConfig covers the engine side of passkey ceremonies. Relying
// party identity lives in the [PasskeyVerifier].
type WebAuthnConfig struct {
	// ChallengeTTL bounds how long issued options may wait for the
	// authenticator response.
	ChallengeTTL time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit pipeline.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit non-blocking: events beyond the buffer are
	// counted and discarded instead of stalling sign-in paths.
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig controls Redis persistence.
type StoreConfig struct {
	// Prefix namespaces every key so several deployments can share one
	// Redis.
	Prefix string
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the baseline configuration. Token key material
// is intentionally absent and must be supplied by the caller.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			InactivityWindow: 7 * 24 * time.Hour,
			AbsoluteLifetime: 30 * 24 * time.Hour,
			ReuseGrace:       30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			MaxAttempts:    5,
			BaseBackoff:    time.Minute,
			MaxBackoff:     30 * time.Minute,
			RecoveryFactor: 2,
		},
		Codes: CodeConfig{
			OTPDigits:   8,
			LinkLength:  32,
			TTL:         10 * time.Minute,
			MaxAttempts: 5,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		TOTP: TOTPConfig{
			Issuer:       "authcore",
			Digits:       6,
			Period:       30,
			Skew:         1,
			Algorithm:    "SHA1",
			SetupTTL:     10 * time.Minute,
			ChallengeTTL: 3 * time.Minute,
			MaxAttempts:  5,
		},
		OAuth: OAuthConfig{
			StateTTL: 10 * time.Minute,
		},
		Device: DeviceConfig{
			CodeTTL:        15 * time.Minute,
			PollInterval:   5 * time.Second,
			UserCodeLength: 8,
		},
		APIKey: APIKeyConfig{
			Prefix: "ak",
		},
		WebAuthn: WebAuthnConfig{
			ChallengeTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Store: StoreConfig{
			Prefix: "ac",
		},
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the engine cannot run safely under.
// It reports the first violation found.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token.AccessTTL must be positive")
	}
	if c.Token.SigningMethod != "ed25519" && c.Token.SigningMethod != "hs256" {
		return errors.New("Token.SigningMethod must be ed25519 or hs256")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("Token.PrivateKey is required")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token.Leeway must be between 0 and 2m")
	}

	if c.Session.InactivityWindow <= 0 {
		return errors.New("Session.InactivityWindow must be positive")
	}
	if c.Session.AbsoluteLifetime < c.Session.InactivityWindow {
		return errors.New("Session.AbsoluteLifetime must be at least Session.InactivityWindow")
	}
	if c.Session.ReuseGrace < 0 || c.Session.ReuseGrace > 5*time.Minute {
		return errors.New("Session.ReuseGrace must be between 0 and 5m")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MaxAttempts < 1 {
			return errors.New("RateLimit.MaxAttempts must be at least 1")
		}
		if c.RateLimit.BaseBackoff <= 0 {
			return errors.New("RateLimit.BaseBackoff must be positive")
		}
		if c.RateLimit.MaxBackoff < c.RateLimit.BaseBackoff {
			return errors.New("RateLimit.MaxBackoff must be at least RateLimit.BaseBackoff")
		}
		if c.RateLimit.RecoveryFactor < 1 {
			return errors.New("RateLimit.RecoveryFactor must be at least 1")
		}
	}

	if c.Codes.OTPDigits < 6 || c.Codes.OTPDigits > 10 {
		return errors.New("Codes.OTPDigits must be between 6 and 10")
	}
	if c.Codes.LinkLength < 16 || c.Codes.LinkLength > 128 {
		return errors.New("Codes.LinkLength must be between 16 and 128")
	}
	if c.Codes.TTL <= 0 {
		return errors.New("Codes.TTL must be positive")
	}
	if c.Codes.MaxAttempts < 1 {
		return errors.New("Codes.MaxAttempts must be at least 1")
	}

	if c.TOTP.Digits < 6 || c.TOTP.Digits > 8 {
		return errors.New("TOTP.Digits must be between 6 and 8")
	}
	if c.TOTP.Period < 15 || c.TOTP.Period > 120 {
		return errors.New("TOTP.Period must be between 15 and 120 seconds")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("TOTP.Skew must be between 0 and 2")
	}
	switch c.TOTP.Algorithm {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP.Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.SetupTTL <= 0 {
		return errors.New("TOTP.SetupTTL must be positive")
	}
	if c.TOTP.ChallengeTTL <= 0 {
		return errors.New("TOTP.ChallengeTTL must be positive")
	}
	if c.TOTP.MaxAttempts < 1 {
		return errors.New("TOTP.MaxAttempts must be at least 1")
	}

	if c.OAuth.StateTTL <= 0 {
		return errors.New("OAuth.StateTTL must be positive")
	}

	if c.Device.CodeTTL <= 0 {
		return errors.New("Device.CodeTTL must be positive")
	}
	if c.Device.PollInterval < time.Second {
		return errors.New("Device.PollInterval must be at least 1s")
	}
	if c.Device.UserCodeLength < 4 || c.Device.UserCodeLength > 16 {
		return errors.New("Device.UserCodeLength must be between 4 and 16")
	}

	if c.APIKey.Prefix == "" {
		return errors.New("APIKey.Prefix is required")
	}
	if len(c.APIKey.Scopes) > 64 {
		return errors.New("APIKey.Scopes must not exceed 64 names")
	}

	if c.WebAuthn.ChallengeTTL <= 0 {
		return errors.New("WebAuthn.ChallengeTTL must be positive")
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("Audit.BufferSize must be at least 1 when audit is enabled")
	}

	return nil
}

/*
====================================
CLONING
====================================
*/

// cloneConfig deep-copies cfg so the engine's view cannot be mutated
// through slices and maps still held by the caller. Key material in
// particular must not alias caller memory.
func cloneConfig(cfg Config) Config {
	out := cfg

	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	out.Token.VerifyKeys = cloneKeyMap(cfg.Token.VerifyKeys)

	if cfg.APIKey.Scopes != nil {
		out.APIKey.Scopes = make([]string, len(cfg.APIKey.Scopes))
		copy(out.APIKey.Scopes, cfg.APIKey.Scopes)
	}

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneKeyMap(keys map[string][]byte) map[string][]byte {
	if keys == nil {
		return nil
	}

	out := make(map[string][]byte, len(keys))
	for kid, key := range keys {
		out[kid] = cloneBytes(key)
	}
	return out
}
