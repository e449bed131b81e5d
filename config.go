package kbgauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kbgapp/kbgauth/password"
	"github.com/kbgapp/kbgauth/totp"
)

// Config groups every engine setting. Start from DefaultConfig and override
// fields; Builder.Build clones and validates it.
type Config struct {
	Password      PasswordConfig
	TOTP          TOTPConfig
	Login         LoginConfig
	PasswordReset PasswordResetConfig
	Timeouts      TimeoutConfig
	JWT           JWTConfig
	Audit         AuditConfig
	Metrics       MetricsConfig

	// Logger receives structured engine logs. Nil discards them.
	Logger *slog.Logger
	// Now is the engine clock. Nil means time.Now.
	Now func() time.Time
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds scrypt cost parameters and the length policy.
type PasswordConfig struct {
	N          int
	R          int
	P          int
	SaltLength int
	KeyLength  int

	MinLength int
	MaxLength int
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls code shape, drift tolerance and secret lifecycle.
type TOTPConfig struct {
	Issuer    string
	Period    uint
	Digits    int
	Algorithm string
	Skew      uint

	// EnforceReplayProtection rejects a passcode whose time step was already
	// accepted for the same user. Requires Redis.
	EnforceReplayProtection bool
	ReplayPrefix            string

	// RotateOnReenroll issues a fresh secret when a user with a stored but
	// inactive secret enrolls again. The default keeps the secret.
	RotateOnReenroll bool
	// ClearSecretOnDisable erases the secret when 2FA is turned off.
	ClearSecretOnDisable bool

	QRSize int
}

/*
====================================
LOGIN CONFIG
====================================
*/

// LoginMode selects how the password step is carried to the passcode step.
type LoginMode int

const (
	// LoginModeChallenge mints a single-use Redis challenge after the password
	// step. The password is not retained anywhere after step one.
	LoginModeChallenge LoginMode = iota
	// LoginModeRetainPassword keeps email and password in caller-owned flow
	// state and re-validates both with the passcode.
	LoginModeRetainPassword
)

func (m LoginMode) String() string {
	switch m {
	case LoginModeChallenge:
		return "challenge"
	case LoginModeRetainPassword:
		return "retain-password"
	default:
		return fmt.Sprintf("LoginMode(%d)", int(m))
	}
}

// ParseLoginMode parses the String form of a LoginMode.
func ParseLoginMode(s string) (LoginMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "challenge":
		return LoginModeChallenge, nil
	case "retain-password", "retain_password", "password":
		return LoginModeRetainPassword, nil
	default:
		return 0, fmt.Errorf("%w: unknown login mode %q", ErrConfigInvalid, s)
	}
}

// LoginConfig controls the two-step login.
type LoginConfig struct {
	Mode            LoginMode
	ChallengeTTL    time.Duration
	ChallengePrefix string
	// MaxOTPAttempts caps passcode attempts per challenge. Zero is unlimited.
	MaxOTPAttempts int
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

// PasswordResetConfig controls reset token issuance and the emailed link.
type PasswordResetConfig struct {
	TokenTTL time.Duration
	// BaseURL is the site origin the reset link points at.
	BaseURL string
	// Path is appended to BaseURL; the token goes in the "token" query parameter.
	Path        string
	MailSubject string
	// EnumerationDelay bounds the random delay applied when the email is
	// unknown, so the response time does not reveal registration.
	EnumerationDelayMin time.Duration
	EnumerationDelayMax time.Duration
}

/*
====================================
TIMEOUTS, JWT, AUDIT, METRICS
====================================
*/

// TimeoutConfig bounds each call across the persistence, mail and session
// boundaries. Zero disables the bound.
type TimeoutConfig struct {
	Storage time.Duration
	Mail    time.Duration
	Session time.Duration
}

// JWTConfig configures the built-in session issuer. It is only used when no
// SessionIssuer is passed to the Builder.
type JWTConfig struct {
	TTL           time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	KeyID         string
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// SinkTimeout bounds each delivery to the AuditSink.
	SinkTimeout time.Duration
}

// MetricsConfig toggles in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns production defaults: scrypt N=16384 r=8 p=1, 5..256
// character passwords, 6-digit TOTP with one step of drift, Redis login
// challenges and one-hour reset tokens.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	pw := password.DefaultConfig()
	tc := totp.DefaultConfig()

	return Config{
		Password: PasswordConfig{
			N:          pw.N,
			R:          pw.R,
			P:          pw.P,
			SaltLength: pw.SaltLength,
			KeyLength:  pw.KeyLength,
			MinLength:  5,
			MaxLength:  256,
		},
		TOTP: TOTPConfig{
			Issuer:       tc.Issuer,
			Period:       tc.Period,
			Digits:       tc.Digits,
			Algorithm:    tc.Algorithm,
			Skew:         tc.Skew,
			ReplayPrefix: "atr",
			QRSize:       256,
		},
		Login: LoginConfig{
			Mode:            LoginModeChallenge,
			ChallengeTTL:    5 * time.Minute,
			ChallengePrefix: "alc",
		},
		PasswordReset: PasswordResetConfig{
			TokenTTL:            time.Hour,
			BaseURL:             "http://localhost:3000",
			Path:                "/update-password",
			MailSubject:         "Your Password Reset Request",
			EnumerationDelayMin: 20 * time.Millisecond,
			EnumerationDelayMax: 40 * time.Millisecond,
		},
		Timeouts: TimeoutConfig{
			Storage: 5 * time.Second,
			Mail:    10 * time.Second,
			Session: 5 * time.Second,
		},
		JWT: JWTConfig{
			TTL:           24 * time.Hour,
			SigningMethod: "ed25519",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize:  1024,
			DropIfFull:  true,
			SinkTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c PasswordConfig) scrypt() password.Config {
	return password.Config{
		N:          c.N,
		R:          c.R,
		P:          c.P,
		SaltLength: c.SaltLength,
		KeyLength:  c.KeyLength,
	}
}

func (c TOTPConfig) provisioner() totp.Config {
	return totp.Config{
		Issuer:    c.Issuer,
		Period:    c.Period,
		Digits:    c.Digits,
		Algorithm: c.Algorithm,
		Skew:      c.Skew,
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting, wrapped in ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	// Password
	if c.Password.MinLength < 1 {
		return errors.New("Password MinLength must be >= 1")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("Password MaxLength must be >= MinLength")
	}
	if _, err := password.NewScrypt(c.Password.scrypt()); err != nil {
		return err
	}

	// TOTP
	if err := c.TOTP.provisioner().Validate(); err != nil {
		return err
	}
	if c.TOTP.EnforceReplayProtection && c.TOTP.ReplayPrefix == "" {
		return errors.New("TOTP ReplayPrefix must be set when replay protection is enabled")
	}
	if c.TOTP.QRSize < 0 {
		return errors.New("TOTP QRSize must be >= 0")
	}

	// Login
	switch c.Login.Mode {
	case LoginModeChallenge:
		if c.Login.ChallengeTTL <= 0 {
			return errors.New("Login ChallengeTTL must be > 0")
		}
		if c.Login.ChallengePrefix == "" {
			return errors.New("Login ChallengePrefix must be set")
		}
	case LoginModeRetainPassword:
	default:
		return errors.New("Login Mode is invalid")
	}
	if c.Login.MaxOTPAttempts < 0 {
		return errors.New("Login MaxOTPAttempts must be >= 0")
	}

	// Password reset
	if c.PasswordReset.TokenTTL <= 0 {
		return errors.New("PasswordReset TokenTTL must be > 0")
	}
	u, err := url.Parse(c.PasswordReset.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("PasswordReset BaseURL must be an absolute URL")
	}
	if !strings.HasPrefix(c.PasswordReset.Path, "/") {
		return errors.New("PasswordReset Path must start with /")
	}
	if c.PasswordReset.MailSubject == "" {
		return errors.New("PasswordReset MailSubject must be set")
	}
	if c.PasswordReset.EnumerationDelayMin < 0 || c.PasswordReset.EnumerationDelayMax < c.PasswordReset.EnumerationDelayMin {
		return errors.New("PasswordReset EnumerationDelay bounds are invalid")
	}

	// Timeouts
	if c.Timeouts.Storage < 0 || c.Timeouts.Mail < 0 || c.Timeouts.Session < 0 {
		return errors.New("Timeouts must be >= 0")
	}

	// JWT is only checked when keys are configured.
	if len(c.JWT.PrivateKey) > 0 {
		if c.JWT.TTL <= 0 {
			return errors.New("JWT TTL must be > 0")
		}
		switch c.JWT.SigningMethod {
		case "ed25519":
			if len(c.JWT.PublicKey) == 0 {
				return errors.New("ed25519 requires PublicKey")
			}
		case "hs256":
			if len(c.JWT.PrivateKey) < 32 {
				return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
			}
		default:
			return errors.New("unsupported JWT signing method")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	if c.Audit.SinkTimeout < 0 {
		return errors.New("Audit SinkTimeout must be >= 0")
	}

	return nil
}
