package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/mail"
)

// fileConfig is the TOML layout of the server config. Secrets are normally
// left out of the file and supplied through KBG_* environment variables.
type fileConfig struct {
	Server   serverSection   `toml:"server"`
	Database databaseSection `toml:"database"`
	Redis    redisSection    `toml:"redis"`
	Mail     mailSection     `toml:"mail"`
	Auth     authSection     `toml:"auth"`
	Log      logSection      `toml:"log"`
}

type serverSection struct {
	Listen       string        `toml:"listen"`
	CORSOrigins  []string      `toml:"cors_origins"`
	CookieSecure bool          `toml:"cookie_secure"`
	ReadTimeout  time.Duration `toml:"read_header_timeout"`
	Metrics      bool          `toml:"metrics"`
}

type databaseSection struct {
	URL     string `toml:"url"`
	Migrate bool   `toml:"migrate"`
}

type redisSection struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type mailSection struct {
	// Driver is "smtp" or "log". The log driver prints reset links and is
	// meant for local development only.
	Driver string          `toml:"driver"`
	SMTP   mail.SMTPConfig `toml:"smtp"`
}

type authSection struct {
	LoginMode            string        `toml:"login_mode"`
	ChallengeTTL         time.Duration `toml:"challenge_ttl"`
	MaxOTPAttempts       int           `toml:"max_otp_attempts"`
	ReplayProtection     bool          `toml:"replay_protection"`
	TOTPIssuer           string        `toml:"totp_issuer"`
	ClearSecretOnDisable bool          `toml:"clear_secret_on_disable"`
	RotateOnReenroll     bool          `toml:"rotate_on_reenroll"`
	ResetBaseURL         string        `toml:"reset_base_url"`
	ResetPath            string        `toml:"reset_path"`
	ResetTokenTTL        time.Duration `toml:"reset_token_ttl"`
	SessionTTL           time.Duration `toml:"session_ttl"`
	// SessionSecret is the base64 HS256 key used to sign session tokens.
	SessionSecret string `toml:"session_secret"`
	Audit         bool   `toml:"audit"`
}

type logSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Server: serverSection{
			Listen:      ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
			ReadTimeout: 10 * time.Second,
			Metrics:     true,
		},
		Database: databaseSection{Migrate: true},
		Redis:    redisSection{Addr: "localhost:6379"},
		Mail:     mailSection{Driver: "log"},
		Auth: authSection{
			LoginMode:    "challenge",
			ChallengeTTL: 5 * time.Minute,
			TOTPIssuer:   "KbgAuthApp",
			ResetBaseURL: "http://localhost:3000",
			ResetPath:    "/update-password",
			SessionTTL:   24 * time.Hour,
			Audit:        true,
		},
		Log: logSection{Level: "info", Format: "json"},
	}
}

// loadDotenv reads the first .env found next to or above the working
// directory. Variables already set in the environment win.
func loadDotenv(logger *slog.Logger) {
	for _, p := range []string{".env", filepath.Join("..", ".env"), filepath.Join("..", "..", ".env")} {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				logger.Warn("dotenv load failed", slog.String("path", p), slog.Any("err", err))
				return
			}
			logger.Info("dotenv loaded", slog.String("path", p))
			return
		}
	}
}

// loadConfig layers defaults, the optional TOML file at path and KBG_*
// environment overrides, in that order.
func loadConfig(path string, getenv func(string) string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return fileConfig{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *fileConfig, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("KBG_LISTEN", &cfg.Server.Listen)
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		cfg.Server.Listen = ":" + port
	}
	if v := getenv("KBG_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitOrigins(v)
	}
	str("KBG_DATABASE_URL", &cfg.Database.URL)
	str("DATABASE_URL", &cfg.Database.URL)
	str("KBG_REDIS_ADDR", &cfg.Redis.Addr)
	str("KBG_REDIS_PASSWORD", &cfg.Redis.Password)
	str("KBG_MAIL_DRIVER", &cfg.Mail.Driver)
	str("KBG_SMTP_HOST", &cfg.Mail.SMTP.Host)
	str("KBG_SMTP_USERNAME", &cfg.Mail.SMTP.Username)
	str("KBG_SMTP_PASSWORD", &cfg.Mail.SMTP.Password)
	str("KBG_SMTP_FROM", &cfg.Mail.SMTP.From)
	str("KBG_SESSION_SECRET", &cfg.Auth.SessionSecret)
	str("KBG_RESET_BASE_URL", &cfg.Auth.ResetBaseURL)
	str("KBG_LOGIN_MODE", &cfg.Auth.LoginMode)
	str("KBG_LOG_LEVEL", &cfg.Log.Level)

	if v := strings.TrimSpace(getenv("KBG_SMTP_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KBG_SMTP_PORT: %w", err)
		}
		cfg.Mail.SMTP.Port = port
	}
	if v := strings.TrimSpace(getenv("KBG_COOKIE_SECURE")); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KBG_COOKIE_SECURE: %w", err)
		}
		cfg.Server.CookieSecure = secure
	}
	return nil
}

func splitOrigins(s string) []string {
	var origins []string
	for _, p := range strings.Split(s, ",") {
		if o := strings.TrimRight(strings.TrimSpace(p), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// engineConfig maps the file config onto kbgauth.Config.
func (c fileConfig) engineConfig() (kbgauth.Config, error) {
	mode, err := kbgauth.ParseLoginMode(c.Auth.LoginMode)
	if err != nil {
		return kbgauth.Config{}, err
	}
	if c.Auth.SessionSecret == "" {
		return kbgauth.Config{}, errors.New("session secret required (KBG_SESSION_SECRET)")
	}
	secret, err := base64.StdEncoding.DecodeString(c.Auth.SessionSecret)
	if err != nil {
		return kbgauth.Config{}, fmt.Errorf("session secret: %w", err)
	}
	if len(secret) < 32 {
		return kbgauth.Config{}, errors.New("session secret must decode to at least 32 bytes")
	}

	cfg := kbgauth.DefaultConfig()
	cfg.Login.Mode = mode
	if c.Auth.ChallengeTTL > 0 {
		cfg.Login.ChallengeTTL = c.Auth.ChallengeTTL
	}
	cfg.Login.MaxOTPAttempts = c.Auth.MaxOTPAttempts
	cfg.TOTP.EnforceReplayProtection = c.Auth.ReplayProtection
	cfg.TOTP.ClearSecretOnDisable = c.Auth.ClearSecretOnDisable
	cfg.TOTP.RotateOnReenroll = c.Auth.RotateOnReenroll
	if c.Auth.TOTPIssuer != "" {
		cfg.TOTP.Issuer = c.Auth.TOTPIssuer
	}
	cfg.PasswordReset.BaseURL = c.Auth.ResetBaseURL
	if c.Auth.ResetPath != "" {
		cfg.PasswordReset.Path = c.Auth.ResetPath
	}
	if c.Auth.ResetTokenTTL > 0 {
		cfg.PasswordReset.TokenTTL = c.Auth.ResetTokenTTL
	}
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = secret
	if c.Auth.SessionTTL > 0 {
		cfg.JWT.TTL = c.Auth.SessionTTL
	}
	cfg.Audit.Enabled = c.Auth.Audit
	cfg.Metrics.Enabled = c.Server.Metrics
	return cfg, nil
}

func newLogger(c logSection) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
