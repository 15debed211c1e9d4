package authcore

import (
	"context"
	"sort"
	"time"
)

// HealthStatus is an on-demand backend health result.
type HealthStatus struct {
	RedisAvailable bool
	RedisLatency   time.Duration
	AuditDropped   uint64
}

// Health pings the backing store and reports the audit drop counter.
// It never fails; an unreachable backend shows up as RedisAvailable
// false.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if e == nil || e.store == nil {
		return HealthStatus{}
	}

	latency, err := e.store.Ping(ctx)
	return HealthStatus{
		RedisAvailable: err == nil,
		RedisLatency:   latency,
		AuditDropped:   e.AuditDropped(),
	}
}

// SecurityReport summarizes the engine's effective security posture for
// startup logs and operator dashboards. It carries settings only, never
// key material.
type SecurityReport struct {
	SigningAlgorithm   string
	AccessTTL          time.Duration
	InactivityWindow   time.Duration
	AbsoluteLifetime   time.Duration
	ReuseGrace         time.Duration
	Argon2             PasswordConfigReport
	Providers          []string
	APIKeyScopes       []string
	RateLimitingActive bool
	AuditActive        bool
	MetricsActive      bool
}

// PasswordConfigReport mirrors the argon2id cost parameters in effect.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// SecurityReport reads the running configuration back out.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	providers := make([]string, 0, len(e.providers))
	for id := range e.providers {
		providers = append(providers, id)
	}
	sort.Strings(providers)

	var scopes []string
	if len(e.config.APIKey.Scopes) > 0 {
		scopes = make([]string, len(e.config.APIKey.Scopes))
		copy(scopes, e.config.APIKey.Scopes)
	}

	return SecurityReport{
		SigningAlgorithm: e.config.Token.SigningMethod,
		AccessTTL:        e.config.Token.AccessTTL,
		InactivityWindow: e.config.Session.InactivityWindow,
		AbsoluteLifetime: e.config.Session.AbsoluteLifetime,
		ReuseGrace:       e.config.Session.ReuseGrace,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		Providers:          providers,
		APIKeyScopes:       scopes,
		RateLimitingActive: e.config.RateLimit.Enabled,
		AuditActive:        e.config.Audit.Enabled,
		MetricsActive:      e.config.Metrics.Enabled,
	}
}
