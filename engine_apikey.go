package authcore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/scope"
	"github.com/robelest/authcore/store"
)

// CreatedAPIKey is the one response that ever carries an API key's
// plaintext secret. It is not recoverable afterwards.
type CreatedAPIKey struct {
	ID        string
	Secret    string
	Name      string
	Scopes    []string
	ExpiresAt time.Time
}

// APIKeyRecord is the listing view of a stored key. The secret is not
// part of it.
type APIKeyRecord struct {
	ID        string
	Name      string
	Prefix    string
	Scopes    []string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// APIKeyIdentity is the authenticated principal behind a verified key.
type APIKeyIdentity struct {
	KeyID  string
	UserID string
	Scopes []string
}

// CreateAPIKey mints a key for userID. A zero ttl falls back to the
// configured default; if that is also zero the key does not expire.
func (e *Engine) CreateAPIKey(ctx context.Context, userID, name string, scopes []string, ttl time.Duration) (*CreatedAPIKey, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, errMissingParam("userId")
	}
	if name == "" {
		return nil, errMissingParam("name")
	}

	mask, err := e.scopes.MaskOf(scopes...)
	if err != nil {
		return nil, err
	}

	if ttl == 0 {
		ttl = e.config.APIKey.DefaultTTL
	}
	now := e.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	var (
		secret string
		key    *store.APIKey
	)
	for attempt := 0; ; attempt++ {
		secret, err = internal.NewAPIKeySecret(e.config.APIKey.Prefix)
		if err != nil {
			return nil, err
		}
		hash, err := e.hasher.Hash(secret)
		if err != nil {
			return nil, err
		}

		key = &store.APIKey{
			UserID:      userID,
			Name:        name,
			SecretHash:  hash,
			Fingerprint: internal.HashSecretHex(secret),
			Prefix:      e.config.APIKey.Prefix,
			ScopeMask:   mask.Raw(),
			CreatedAt:   now.Unix(),
			ExpiresAt:   expiresAt,
		}
		err = e.store.CreateAPIKey(ctx, key)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt >= 2 {
			return nil, err
		}
	}

	granted := e.scopes.Names(mask)
	e.metricInc(MetricAPIKeyCreated)
	e.emitAudit(ctx, auditEventAPIKeyCreated, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{
			"key_id": key.ID,
			"scopes": strings.Join(granted, " "),
		}
	})

	var expires time.Time
	if expiresAt > 0 {
		expires = time.Unix(expiresAt, 0)
	}
	return &CreatedAPIKey{
		ID:        key.ID,
		Secret:    secret,
		Name:      name,
		Scopes:    granted,
		ExpiresAt: expires,
	}, nil
}

// VerifyAPIKey authenticates a presented secret and checks that the key
// carries every required scope. The fingerprint index prefilters
// lookups, so an unknown secret never reaches the password hash.
func (e *Engine) VerifyAPIKey(ctx context.Context, secret string, required ...string) (*APIKeyIdentity, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if secret == "" {
		return nil, ErrInvalidSecret
	}

	key, err := e.store.APIKeyByFingerprint(ctx, internal.HashSecretHex(secret))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, e.rejectAPIKey(ctx, "", ErrInvalidSecret)
	}
	if key.Revoked {
		return nil, e.rejectAPIKey(ctx, key.ID, ErrInvalidSecret)
	}
	if key.ExpiresAt > 0 && key.ExpiresAt <= e.now().Unix() {
		return nil, e.rejectAPIKey(ctx, key.ID, ErrInvalidSecret)
	}

	ok, err := e.hasher.Verify(secret, key.SecretHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.rejectAPIKey(ctx, key.ID, ErrInvalidSecret)
	}

	granted := scope.Mask(key.ScopeMask)
	if len(required) > 0 {
		wanted, err := e.scopes.MaskOf(required...)
		if err != nil {
			return nil, err
		}
		if !granted.Contains(wanted) {
			return nil, e.rejectAPIKey(ctx, key.ID, ErrInsufficientScope)
		}
	}

	e.metricInc(MetricAPIKeyVerified)
	return &APIKeyIdentity{
		KeyID:  key.ID,
		UserID: key.UserID,
		Scopes: e.scopes.Names(granted),
	}, nil
}

// RevokeAPIKey flags one of userID's keys revoked. The record survives
// for audit resolution; only verification starts failing.
func (e *Engine) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	key, err := e.store.APIKeyByID(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidAccountID
		}
		return err
	}
	if key.UserID != userID {
		return ErrInvalidAccountID
	}

	if err := e.store.RevokeAPIKey(ctx, keyID); err != nil {
		return err
	}

	e.metricInc(MetricAPIKeyRevoked)
	e.emitAudit(ctx, auditEventAPIKeyRevoked, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"key_id": keyID}
	})
	return nil
}

// ListAPIKeys returns every key a user holds, revoked ones included.
func (e *Engine) ListAPIKeys(ctx context.Context, userID string) ([]APIKeyRecord, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	keys, err := e.store.APIKeysByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]APIKeyRecord, 0, len(keys))
	for _, k := range keys {
		var expires time.Time
		if k.ExpiresAt > 0 {
			expires = time.Unix(k.ExpiresAt, 0)
		}
		out = append(out, APIKeyRecord{
			ID:        k.ID,
			Name:      k.Name,
			Prefix:    k.Prefix,
			Scopes:    e.scopes.Names(scope.Mask(k.ScopeMask)),
			Revoked:   k.Revoked,
			CreatedAt: time.Unix(k.CreatedAt, 0),
			ExpiresAt: expires,
		})
	}
	return out, nil
}

func (e *Engine) rejectAPIKey(ctx context.Context, keyID string, err error) error {
	e.metricInc(MetricAPIKeyRejected)
	e.emitAudit(ctx, auditEventAPIKeyRejected, false, "", "", "", err, func() map[string]string {
		if keyID == "" {
			return nil
		}
		return map[string]string{"key_id": keyID}
	})
	return err
}
