package kbgauth

import (
	"errors"
	"log/slog"

	internalaudit "github.com/kbgapp/kbgauth/internal/audit"
	"github.com/kbgapp/kbgauth/internal/stores"
	"github.com/kbgapp/kbgauth/jwt"
	"github.com/kbgapp/kbgauth/password"
	"github.com/kbgapp/kbgauth/totp"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users       UserCredentialStore
	resetTokens ResetTokenStore
	mailer      Mailer
	sessions    SessionIssuer
	auditSink   AuditSink
	logger      *slog.Logger

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client for login challenges and the TOTP replay
// guard. Required in LoginModeChallenge.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(store UserCredentialStore) *Builder {
	b.users = store
	return b
}

func (b *Builder) WithResetTokenStore(store ResetTokenStore) *Builder {
	b.resetTokens = store
	return b
}

func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithSessionIssuer overrides the built-in JWT issuer.
func (b *Builder) WithSessionIssuer(s SessionIssuer) *Builder {
	b.sessions = s
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger overrides Config.Logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
//
// The user store is always required. Redis is required for challenge logins
// and replay protection. Without a SessionIssuer, JWT keys must be
// configured. The reset token store and mailer are optional; without them
// the reset operations return ErrEngineNotReady.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if b.logger != nil {
		cfg.Logger = b.logger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.users == nil {
		return nil, errors.New("user credential store required")
	}
	if b.redis == nil {
		if cfg.Login.Mode == LoginModeChallenge {
			return nil, errors.New("challenge login mode requires redis client")
		}
		if cfg.TOTP.EnforceReplayProtection {
			return nil, errors.New("TOTP replay protection requires redis client")
		}
	}
	if b.sessions == nil && len(cfg.JWT.PrivateKey) == 0 {
		return nil, errors.New("session issuer or JWT keys required")
	}

	engine := &Engine{
		config:      cfg,
		logger:      cfg.Logger,
		users:       b.users,
		resetTokens: b.resetTokens,
		mailer:      b.mailer,
		sessions:    b.sessions,
	}

	// -------- CREDENTIALS --------
	hasher, err := password.NewScrypt(cfg.Password.scrypt())
	if err != nil {
		return nil, err
	}
	engine.hasher = hasher
	// Unknown emails are verified against this so they cost one KDF run.
	engine.dummyHash, err = hasher.Hash("kbgauth-timing-equalizer")
	if err != nil {
		return nil, err
	}

	opts := []totp.Option{}
	if cfg.Now != nil {
		opts = append(opts, totp.WithClock(cfg.Now))
	}
	tp, err := totp.New(cfg.TOTP.provisioner(), opts...)
	if err != nil {
		return nil, err
	}
	engine.totp = tp

	if rs, ok := b.resetTokens.(*RedisResetTokenStore); ok && rs != nil && cfg.Now != nil {
		rs.store.SetClock(cfg.Now)
	}

	// -------- REDIS --------
	if b.redis != nil {
		engine.challenges = stores.NewLoginChallengeStore(b.redis, cfg.Login.ChallengePrefix, engine.now)
		if cfg.TOTP.EnforceReplayProtection {
			engine.replay = stores.NewTOTPReplayGuard(b.redis, cfg.TOTP.ReplayPrefix)
		}
	}

	// -------- SESSIONS --------
	if len(cfg.JWT.PrivateKey) > 0 {
		jm, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.JWT.TTL,
			SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
			PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
			PublicKey:     cloneBytes(cfg.JWT.PublicKey),
			Issuer:        cfg.JWT.Issuer,
			Audience:      cfg.JWT.Audience,
			KeyID:         cfg.JWT.KeyID,
			Now:           cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		engine.jwtManager = jm
		if engine.sessions == nil {
			engine.sessions = jwtSessionIssuer{manager: jm}
		}
	}

	// -------- OBSERVABILITY --------
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:     cfg.Audit.Enabled,
		BufferSize:  cfg.Audit.BufferSize,
		DropIfFull:  cfg.Audit.DropIfFull,
		SinkTimeout: cfg.Audit.SinkTimeout,
		Logger:      engine.log(),
	}, b.auditSink)

	b.built = true
	engine.log().Info("kbgauth engine ready",
		slog.String("login_mode", cfg.Login.Mode.String()),
		slog.Bool("replay_protection", engine.replay != nil),
		slog.Bool("password_reset", b.resetTokens != nil && b.mailer != nil),
	)
	return engine, nil
}
