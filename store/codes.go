package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	codeSaveCollision = 0
	codeSaveOK        = 1

	codeConsumeNotFound        = 0
	codeConsumeSlotMismatch    = 1
	codeConsumePurposeMismatch = 2
	codeConsumeExpired         = 3
	codeConsumeOK              = 4
)

// saveCodeScript writes a pending code keyed by its hash and repoints the
// per-slot index at it, deleting whichever code the slot held before. A
// hash key already claimed by a different slot is reported instead of
// overwritten; the caller regenerates and retries.
var saveCodeScript = redis.NewScript(`
local indexKey = KEYS[1]
local codeKey = KEYS[2]

local prefix = ARGV[1]
local hash = ARGV[2]
local ttl = tonumber(ARGV[3])
local accountKey = ARGV[4]

local holder = redis.call("HGET", codeKey, "account_key")
if holder and holder ~= accountKey then
	return {0}
end

local old = redis.call("GET", indexKey)
if old and old ~= hash then
	redis.call("DEL", prefix .. ":vc:" .. old)
end

redis.call("SET", indexKey, hash, "EX", ttl)
redis.call("HSET", codeKey,
	"account_key", accountKey,
	"provider", ARGV[5],
	"purpose", ARGV[6],
	"destination", ARGV[7],
	"verifier_id", ARGV[8],
	"user_id", ARGV[9],
	"expires_at", ARGV[10])
redis.call("EXPIRE", codeKey, ttl)

return {1}
`)

// consumeCodeScript validates and burns a pending code in one step. The
// record is deleted on the success path and on observed expiry; slot and
// purpose mismatches leave it intact so a guessed collision cannot burn
// someone else's code.
var consumeCodeScript = redis.NewScript(`
local codeKey = KEYS[1]

local prefix = ARGV[1]
local accountKey = ARGV[2]
local purpose = ARGV[3]
local now = tonumber(ARGV[4])
local hash = ARGV[5]

local f = redis.call("HMGET", codeKey, "account_key", "provider", "purpose", "destination", "verifier_id", "user_id", "expires_at")
if not f[1] then
	return {0}
end
if f[1] ~= accountKey then
	return {1}
end
if f[3] ~= purpose then
	return {2}
end
if (tonumber(f[7]) or 0) <= now then
	redis.call("DEL", codeKey)
	if redis.call("GET", prefix .. ":vca:" .. f[1]) == hash then
		redis.call("DEL", prefix .. ":vca:" .. f[1])
	end
	return {3}
end

redis.call("DEL", codeKey)
if redis.call("GET", prefix .. ":vca:" .. f[1]) == hash then
	redis.call("DEL", prefix .. ":vca:" .. f[1])
end

return {4, f[2], f[4], f[5], f[6]}
`)

// SaveCode stores a pending verification code, superseding any code the
// same slot already holds. Returns ErrDuplicate in the vanishingly rare
// case the code hash is already claimed by another slot; callers should
// regenerate the code and retry.
func (s *Store) SaveCode(ctx context.Context, c *VerificationCode, now time.Time) error {
	if c.ExpiresAt <= now.Unix() {
		return fmt.Errorf("%w: verification code already expired", ErrExpired)
	}
	ttl := ttlFor(c.ExpiresAt, now)

	keys := []string{
		s.codeIndexKey(c.AccountKey),
		s.codeKey(c.CodeHash),
	}
	raw, err := saveCodeScript.Run(ctx, s.redis, keys,
		s.prefix,
		c.CodeHash,
		int64(ttl/time.Second),
		c.AccountKey,
		c.Provider,
		string(c.Purpose),
		c.Destination,
		c.VerifierID,
		c.UserID,
		c.ExpiresAt,
	).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case codeSaveOK:
		return nil
	case codeSaveCollision:
		return ErrDuplicate
	default:
		return fmt.Errorf("%w: save code status %d", ErrCorrupt, code)
	}
}

// ConsumeCode burns the pending code whose hash, slot, and purpose all
// match. Unknown, mismatched, and superseded codes report ErrNotFound;
// codes past their expiry report ErrExpired. Exactly one concurrent
// consumer can succeed for a given code.
func (s *Store) ConsumeCode(ctx context.Context, codeHash, accountKey string, purpose CodePurpose, now time.Time) (*VerificationCode, error) {
	keys := []string{s.codeKey(codeHash)}
	raw, err := consumeCodeScript.Run(ctx, s.redis, keys,
		s.prefix,
		accountKey,
		string(purpose),
		now.Unix(),
		codeHash,
	).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return nil, err
	}
	switch code {
	case codeConsumeOK:
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: consume code reply too short", ErrCorrupt)
		}
		provider, err := scriptString(parts[1])
		if err != nil {
			return nil, err
		}
		destination, err := scriptString(parts[2])
		if err != nil {
			return nil, err
		}
		verifierID, err := scriptString(parts[3])
		if err != nil {
			return nil, err
		}
		userID, err := scriptString(parts[4])
		if err != nil {
			return nil, err
		}
		return &VerificationCode{
			CodeHash:    codeHash,
			AccountKey:  accountKey,
			Provider:    provider,
			Purpose:     purpose,
			Destination: destination,
			VerifierID:  verifierID,
			UserID:      userID,
		}, nil
	case codeConsumeNotFound, codeConsumeSlotMismatch, codeConsumePurposeMismatch:
		return nil, ErrNotFound
	case codeConsumeExpired:
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: consume code status %d", ErrCorrupt, code)
	}
}

// PendingCodeHash reports which code hash a slot currently holds, or empty
// when none is pending.
func (s *Store) PendingCodeHash(ctx context.Context, accountKey string) (string, error) {
	hash, err := s.redis.Get(ctx, s.codeIndexKey(accountKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", wrapRedis(err)
	}
	return hash, nil
}
