package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// createAPIKeyScript claims the fingerprint index and writes the key hash
// as one step, mirroring the account-creation race rules.
var createAPIKeyScript = redis.NewScript(`
local indexKey = KEYS[1]
local keyKey = KEYS[2]
local userKeysKey = KEYS[3]

if redis.call("SET", indexKey, ARGV[1], "NX") == false then
	return {0}
end

redis.call("HSET", keyKey,
	"user_id", ARGV[2],
	"name", ARGV[3],
	"secret_hash", ARGV[4],
	"fingerprint", ARGV[5],
	"prefix", ARGV[6],
	"scope_mask", ARGV[7],
	"revoked", 0,
	"created_at", ARGV[8],
	"expires_at", ARGV[9])
redis.call("SADD", userKeysKey, ARGV[1])

return {1}
`)

// CreateAPIKey persists a new key record and claims its fingerprint index.
// Returns ErrDuplicate on a fingerprint collision; callers regenerate the
// secret and retry.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}

	keys := []string{
		s.apiKeyIndexKey(k.Fingerprint),
		s.apiKeyKey(k.ID),
		s.userAPIKeysKey(k.UserID),
	}
	raw, err := createAPIKeyScript.Run(ctx, s.redis, keys,
		k.ID,
		k.UserID,
		k.Name,
		k.SecretHash,
		k.Fingerprint,
		k.Prefix,
		k.ScopeMask,
		k.CreatedAt,
		k.ExpiresAt,
	).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case 1:
		return nil
	case 0:
		return ErrDuplicate
	default:
		return fmt.Errorf("%w: create api key status %d", ErrCorrupt, code)
	}
}

// APIKeyByID loads one key record.
func (s *Store) APIKeyByID(ctx context.Context, keyID string) (*APIKey, error) {
	m, err := s.redis.HGetAll(ctx, s.apiKeyKey(keyID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &APIKey{
		ID:          keyID,
		UserID:      m["user_id"],
		Name:        m["name"],
		SecretHash:  m["secret_hash"],
		Fingerprint: m["fingerprint"],
		Prefix:      m["prefix"],
		ScopeMask:   fieldUint64(m, "scope_mask"),
		Revoked:     fieldBool(m, "revoked"),
		CreatedAt:   fieldInt64(m, "created_at"),
		ExpiresAt:   fieldInt64(m, "expires_at"),
	}, nil
}

// APIKeyByFingerprint resolves the fingerprint index and loads the bound
// key. Returns (nil, nil) when no key carries the fingerprint, so
// verification can fail closed without unwrapping.
func (s *Store) APIKeyByFingerprint(ctx context.Context, fingerprint string) (*APIKey, error) {
	keyID, err := s.redis.Get(ctx, s.apiKeyIndexKey(fingerprint)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapRedis(err)
	}

	k, err := s.APIKeyByID(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return k, err
}

// APIKeysByUser lists a user's keys, revoked ones included.
func (s *Store) APIKeysByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	ids, err := s.redis.SMembers(ctx, s.userAPIKeysKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	out := make([]*APIKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.APIKeyByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// revokeAPIKeyScript flags an existing key revoked without creating a stub
// record for unknown ids.
var revokeAPIKeyScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {0}
end
redis.call("HSET", KEYS[1], "revoked", 1)
return {1}
`)

// RevokeAPIKey flags a key revoked. The record survives so audits can
// still resolve who held it.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	raw, err := revokeAPIKeyScript.Run(ctx, s.redis, []string{s.apiKeyKey(keyID)}).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	if code == 0 {
		return ErrNotFound
	}
	return nil
}
