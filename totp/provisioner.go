package totp

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"image/png"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	secretBytes    = 20
	defaultQRSize  = 256
	maxSkew        = 10
	defaultIssuer  = "KbgAuthApp"
	defaultPeriod  = 30
	defaultDigits  = 6
	defaultAlgName = "SHA1"
)

var (
	// ErrInvalidSecret is returned for secrets that are empty or not base32.
	ErrInvalidSecret = errors.New("totp: invalid secret")
	// ErrMissingLabel is returned when the issuer or account label is empty.
	ErrMissingLabel = errors.New("totp: issuer and account labels are required")
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config controls code shape and drift tolerance.
type Config struct {
	Issuer    string
	Period    uint
	Digits    int
	Algorithm string
	// Skew is the number of adjacent time steps accepted on each side of
	// the current one. Zero accepts only the current step.
	Skew uint
}

// DefaultConfig returns 30-second, 6-digit SHA1 codes with one step of drift.
func DefaultConfig() Config {
	return Config{
		Issuer:    defaultIssuer,
		Period:    defaultPeriod,
		Digits:    defaultDigits,
		Algorithm: defaultAlgName,
		Skew:      1,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("totp issuer must not be empty")
	}
	if c.Period == 0 {
		return errors.New("totp period must be > 0")
	}
	if c.Digits != 6 && c.Digits != 8 {
		return errors.New("totp digits must be 6 or 8")
	}
	if _, err := algorithm(c.Algorithm); err != nil {
		return err
	}
	if c.Skew > maxSkew {
		return fmt.Errorf("totp skew must be <= %d", maxSkew)
	}
	return nil
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithClock replaces time.Now. Tests use it to pin the current time step.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the secret source.
func WithRandom(r io.Reader) Option {
	return func(p *Provisioner) {
		if r != nil {
			p.rand = r
		}
	}
}

// Provisioner generates secrets and checks codes. It holds no per-user state
// and is safe for concurrent use.
type Provisioner struct {
	config Config
	alg    otp.Algorithm
	now    func() time.Time
	rand   io.Reader
}

// New validates cfg and returns a Provisioner.
func New(cfg Config, opts ...Option) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	alg, _ := algorithm(cfg.Algorithm)

	p := &Provisioner{
		config: cfg,
		alg:    alg,
		now:    time.Now,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Period returns the length of one time step.
func (p *Provisioner) Period() time.Duration {
	return time.Duration(p.config.Period) * time.Second
}

// Skew returns the configured drift window in steps.
func (p *Provisioner) Skew() uint {
	return p.config.Skew
}

// GenerateSecret returns a fresh 160-bit secret, base32 encoded without padding.
func (p *Provisioner) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := io.ReadFull(p.rand, raw); err != nil {
		return "", fmt.Errorf("totp: read random: %w", err)
	}
	return secretEncoding.EncodeToString(raw), nil
}

// ProvisioningURI formats an otpauth:// URI for authenticator apps.
// An empty issuer falls back to the configured one.
func (p *Provisioner) ProvisioningURI(issuer, account, secret string) (string, error) {
	key, err := p.key(issuer, account, secret)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// ProvisioningQR renders the provisioning URI as a PNG QR code.
func (p *Provisioner) ProvisioningQR(issuer, account, secret string, size int) ([]byte, error) {
	key, err := p.key(issuer, account, secret)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = defaultQRSize
	}

	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("totp: encode qr: %w", err)
	}
	return buf.Bytes(), nil
}

// CurrentCode returns the code for the current time step.
func (p *Provisioner) CurrentCode(secret string) (string, error) {
	return p.CodeAt(secret, p.now())
}

// CodeAt returns the code for the time step containing t.
func (p *Provisioner) CodeAt(secret string, t time.Time) (string, error) {
	secret, err := normalizeSecret(secret)
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(secret, t, p.opts())
}

// VerifyCode checks code against the current step and Skew neighbours on
// either side. It returns the matched counter on success.
func (p *Provisioner) VerifyCode(secret, code string) (bool, int64, error) {
	return p.VerifyCodeAt(secret, code, p.now())
}

// VerifyCodeAt is VerifyCode at an explicit instant.
func (p *Provisioner) VerifyCodeAt(secret, code string, t time.Time) (bool, int64, error) {
	secret, err := normalizeSecret(secret)
	if err != nil {
		return false, 0, err
	}

	code = strings.TrimSpace(code)
	if len(code) != p.config.Digits || !isNumeric(code) {
		return false, 0, nil
	}

	period := int64(p.config.Period)
	base := t.Unix() / period
	skew := int64(p.config.Skew)
	for step := -skew; step <= skew; step++ {
		counter := base + step
		if counter < 0 {
			continue
		}
		generated, err := totp.GenerateCodeCustom(secret, time.Unix(counter*period, 0), p.opts())
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(code)) == 1 {
			return true, counter, nil
		}
	}

	return false, 0, nil
}

func (p *Provisioner) key(issuer, account, secret string) (*otp.Key, error) {
	if issuer == "" {
		issuer = p.config.Issuer
	}
	if issuer == "" || account == "" {
		return nil, ErrMissingLabel
	}
	secret, err := normalizeSecret(secret)
	if err != nil {
		return nil, err
	}
	raw, _ := secretEncoding.DecodeString(secret)

	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      p.config.Period,
		Secret:      raw,
		Digits:      otp.Digits(p.config.Digits),
		Algorithm:   p.alg,
	})
}

func (p *Provisioner) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    p.config.Period,
		Digits:    otp.Digits(p.config.Digits),
		Algorithm: p.alg,
	}
}

func normalizeSecret(secret string) (string, error) {
	secret = strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
	if secret == "" {
		return "", ErrInvalidSecret
	}
	if _, err := secretEncoding.DecodeString(secret); err != nil {
		return "", ErrInvalidSecret
	}
	return secret, nil
}

func algorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return otp.AlgorithmSHA1, errors.New("unsupported totp algorithm")
	}
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
