package authcore

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/robelest/authcore/internal/rate"
	"github.com/robelest/authcore/password"
	"github.com/robelest/authcore/scope"
	"github.com/robelest/authcore/store"
	"github.com/robelest/authcore/token"
)

// Builder assembles an [Engine]. Configure it once, call [Builder.Build]
// once; the builder is not reusable afterwards.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	providers []Provider
	delivery  Delivery
	exchanger OAuthExchanger
	passkeys  PasskeyVerifier

	auditSink AuditSink
	logger    *zap.Logger
	clock     func() time.Time

	built bool
}

// New starts a builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing all engine state.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProviders registers sign-in providers. Each provider's ID must be
// unique; requests select providers by that id.
func (b *Builder) WithProviders(providers ...Provider) *Builder {
	b.providers = append(b.providers, providers...)
	return b
}

// WithDelivery sets the collaborator that sends verification codes.
// Required when an email or phone provider is registered.
func (b *Builder) WithDelivery(d Delivery) *Builder {
	b.delivery = d
	return b
}

// WithOAuthExchanger sets the collaborator that talks to authorization
// servers. Required when an OAuth provider is registered.
func (b *Builder) WithOAuthExchanger(x OAuthExchanger) *Builder {
	b.exchanger = x
	return b
}

// WithPasskeyVerifier sets the collaborator that runs WebAuthn
// ceremonies. Required when the passkey provider is registered.
func (b *Builder) WithPasskeyVerifier(v PasskeyVerifier) *Builder {
	b.passkeys = v
	return b
}

// WithAuditSink sets where audit events go. Without one, events are
// generated and discarded.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the operational logger. The engine never logs
// secrets; without a logger it stays silent.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the engine clock. Tests freeze time with it.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles counter collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles verification latency buckets.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine together. Key
// material and provider wiring are checked here so a bad deployment
// fails at startup.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// -------- PROVIDERS --------
	providers := make(map[string]Provider, len(b.providers))
	var needsDelivery, needsExchanger, needsPasskeys bool
	for _, p := range b.providers {
		if p == nil {
			return nil, errors.New("nil provider registered")
		}
		id := p.ID()
		if id == "" {
			return nil, errors.New("provider id must not be empty")
		}
		if _, dup := providers[id]; dup {
			return nil, errors.New("duplicate provider id: " + id)
		}
		switch pt := p.(type) {
		case *EmailProvider, *PhoneProvider:
			needsDelivery = true
		case *OAuthProvider:
			if pt.Name == "" {
				return nil, errors.New("oauth provider requires a name")
			}
			needsExchanger = true
		case *PasskeyProvider:
			needsPasskeys = true
		}
		providers[id] = p
	}
	if needsDelivery && b.delivery == nil {
		return nil, errors.New("email and phone providers require a delivery collaborator")
	}
	if needsExchanger && b.exchanger == nil {
		return nil, errors.New("oauth providers require an exchanger")
	}
	if needsPasskeys && b.passkeys == nil {
		return nil, errors.New("passkey provider requires a verifier")
	}

	// -------- SCOPE REGISTRY --------
	scopes := scope.NewRegistry()
	for _, name := range cfg.APIKey.Scopes {
		if _, err := scopes.Register(name); err != nil {
			return nil, err
		}
	}
	scopes.Freeze()

	engine := &Engine{
		config:    cfg,
		store:     store.New(b.redis, cfg.Store.Prefix),
		scopes:    scopes,
		providers: providers,
		delivery:  b.delivery,
		exchanger: b.exchanger,
		passkeys:  b.passkeys,
		logger:    b.logger,
		now:       b.clock,
	}
	if engine.now == nil {
		engine.now = time.Now
	}

	engine.limiter = rate.New(b.redis, rate.Config{
		MaxAttempts:    cfg.RateLimit.MaxAttempts,
		BaseBackoff:    cfg.RateLimit.BaseBackoff,
		MaxBackoff:     cfg.RateLimit.MaxBackoff,
		RecoveryFactor: cfg.RateLimit.RecoveryFactor,
	})
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.totp = newTOTPManager(cfg.TOTP)

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.hasher = hasher

	tokens, err := token.NewManager(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		KeyID:         cfg.Token.KeyID,
		VerifyKeys:    cloneKeyMap(cfg.Token.VerifyKeys),
	})
	if err != nil {
		return nil, err
	}
	engine.tokens = tokens

	b.built = true

	return engine, nil
}
