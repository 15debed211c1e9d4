package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	signCountNotFound   = 0
	signCountRegression = 1
	signCountAdvanced   = 2
)

// advanceSignCountScript moves a credential's counter forward only when the
// asserted value is strictly greater than the stored one. Two counters both
// at zero pass, since authenticators without a counter always report zero.
var advanceSignCountScript = redis.NewScript(`
local key = KEYS[1]
local asserted = tonumber(ARGV[1])

local current = redis.call("HGET", key, "sign_count")
if not current then
	return {0}
end
current = tonumber(current)

if asserted == 0 and current == 0 then
	return {2}
end
if asserted <= current then
	return {1}
end

redis.call("HSET", key, "sign_count", asserted)
return {2}
`)

// deletePasskeyScript removes a credential and its membership in the
// owner's credential set.
var deletePasskeyScript = redis.NewScript(`
local key = KEYS[1]

local userId = redis.call("HGET", key, "user_id")
if not userId then
	return {0}
end

redis.call("DEL", key)
redis.call("SREM", ARGV[1] .. ":upk:" .. userId, ARGV[2])

return {1}
`)

// SavePasskey persists a WebAuthn credential and registers it on the
// owner's credential set.
func (s *Store) SavePasskey(ctx context.Context, p *Passkey) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.passkeyKey(p.CredentialID),
			"user_id", p.UserID,
			"public_key", p.PublicKey,
			"sign_count", p.SignCount,
			"transports", p.Transports,
			"created_at", p.CreatedAt,
		)
		pipe.SAdd(ctx, s.userPasskeysKey(p.UserID), p.CredentialID)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// PasskeyByCredentialID loads one stored credential.
func (s *Store) PasskeyByCredentialID(ctx context.Context, credentialID string) (*Passkey, error) {
	m, err := s.redis.HGetAll(ctx, s.passkeyKey(credentialID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &Passkey{
		CredentialID: credentialID,
		UserID:       m["user_id"],
		PublicKey:    []byte(m["public_key"]),
		SignCount:    fieldUint32(m, "sign_count"),
		Transports:   m["transports"],
		CreatedAt:    fieldInt64(m, "created_at"),
	}, nil
}

// PasskeysByUser lists every credential enrolled by a user.
func (s *Store) PasskeysByUser(ctx context.Context, userID string) ([]*Passkey, error) {
	ids, err := s.redis.SMembers(ctx, s.userPasskeysKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	keys := make([]*Passkey, 0, len(ids))
	for _, id := range ids {
		p, err := s.PasskeyByCredentialID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, p)
	}
	return keys, nil
}

// AdvancePasskeySignCount commits the counter from a verified assertion.
// A counter that fails to advance is evidence of a cloned credential and
// reports ErrDuplicate; the assertion must be rejected.
func (s *Store) AdvancePasskeySignCount(ctx context.Context, credentialID string, asserted uint32) error {
	keys := []string{s.passkeyKey(credentialID)}
	raw, err := advanceSignCountScript.Run(ctx, s.redis, keys, int64(asserted)).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case signCountAdvanced:
		return nil
	case signCountRegression:
		return ErrDuplicate
	case signCountNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: sign count status %d", ErrCorrupt, code)
	}
}

// DeletePasskey removes a credential from the store and from the owner's
// credential set.
func (s *Store) DeletePasskey(ctx context.Context, credentialID string) error {
	keys := []string{s.passkeyKey(credentialID)}
	raw, err := deletePasskeyScript.Run(ctx, s.redis, keys, s.prefix, credentialID).Result()
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
