package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	verifierTakeNotFound = 0
	verifierTakeExpired  = 1
	verifierTakeOK       = 2

	verifierFailNotFound  = 0
	verifierFailCounted   = 1
	verifierFailExhausted = 2
)

// takeVerifierScript consumes a verifier in one step. The record is
// deleted whether it turns out valid or expired; a verifier is good for
// exactly one resumption attempt.
var takeVerifierScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])

local f = redis.call("HMGET", key, "provider", "purpose", "signature", "session_id", "user_id", "payload", "attempts", "expires_at")
if not f[1] then
	return {0}
end

redis.call("DEL", key)
if (tonumber(f[8]) or 0) <= now then
	return {1}
end

return {2, f[1], f[2], f[3], f[4], f[5], f[6], f[7]}
`)

// recordVerifierFailureScript counts one failed attempt against a verifier
// that allows retries, deleting it once the budget is spent.
var recordVerifierFailureScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 0 then
	return {0}
end

local attempts = redis.call("HINCRBY", key, "attempts", 1)
if attempts >= max then
	redis.call("DEL", key)
	return {2, 0}
end

return {1, max - attempts}
`)

// SaveVerifier persists a pending-flow correlator with a hard TTL.
func (s *Store) SaveVerifier(ctx context.Context, v *Verifier, now time.Time) error {
	if v.ExpiresAt <= now.Unix() {
		return fmt.Errorf("%w: verifier already expired", ErrExpired)
	}
	ttl := ttlFor(v.ExpiresAt, now)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.verifierKey(v.ID),
			"provider", v.Provider,
			"purpose", string(v.Purpose),
			"signature", v.Signature,
			"session_id", v.SessionID,
			"user_id", v.UserID,
			"payload", v.Payload,
			"attempts", v.Attempts,
			"expires_at", v.ExpiresAt,
		)
		pipe.Expire(ctx, s.verifierKey(v.ID), ttl)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// VerifierByID loads a verifier without consuming it. Flows that allow a
// bounded number of retries read it here and burn attempts through
// RecordVerifierFailure.
func (s *Store) VerifierByID(ctx context.Context, verifierID string) (*Verifier, error) {
	m, err := s.redis.HGetAll(ctx, s.verifierKey(verifierID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &Verifier{
		ID:        verifierID,
		Provider:  m["provider"],
		Purpose:   VerifierPurpose(m["purpose"]),
		Signature: m["signature"],
		SessionID: m["session_id"],
		UserID:    m["user_id"],
		Payload:   m["payload"],
		Attempts:  fieldInt(m, "attempts"),
		ExpiresAt: fieldInt64(m, "expires_at"),
	}, nil
}

// TakeVerifier atomically fetches and deletes a verifier. Exactly one
// caller can take a given verifier; the loser sees ErrNotFound.
func (s *Store) TakeVerifier(ctx context.Context, verifierID string, now time.Time) (*Verifier, error) {
	keys := []string{s.verifierKey(verifierID)}
	raw, err := takeVerifierScript.Run(ctx, s.redis, keys, now.Unix()).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return nil, err
	}
	switch code {
	case verifierTakeOK:
		if len(parts) < 8 {
			return nil, fmt.Errorf("%w: take verifier reply too short", ErrCorrupt)
		}
		strs := make([]string, 7)
		for i := 1; i <= 7; i++ {
			v, err := scriptString(parts[i])
			if err != nil {
				return nil, err
			}
			strs[i-1] = v
		}
		attempts, _ := strconv.Atoi(strs[6])
		return &Verifier{
			ID:        verifierID,
			Provider:  strs[0],
			Purpose:   VerifierPurpose(strs[1]),
			Signature: strs[2],
			SessionID: strs[3],
			UserID:    strs[4],
			Payload:   strs[5],
			Attempts:  attempts,
		}, nil
	case verifierTakeNotFound:
		return nil, ErrNotFound
	case verifierTakeExpired:
		return nil, ErrExpired
	default:
		return nil, fmt.Errorf("%w: take verifier status %d", ErrCorrupt, code)
	}
}

// RecordVerifierFailure burns one retry attempt. It returns how many
// attempts remain; exhausted reports that the budget is spent and the
// verifier has been deleted.
func (s *Store) RecordVerifierFailure(ctx context.Context, verifierID string, maxAttempts int) (remaining int, exhausted bool, err error) {
	keys := []string{s.verifierKey(verifierID)}
	raw, err := recordVerifierFailureScript.Run(ctx, s.redis, keys, maxAttempts).Result()
	if err != nil {
		return 0, false, wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return 0, false, err
	}
	switch code {
	case verifierFailCounted:
		if len(parts) >= 2 {
			if n, ok := parts[1].(int64); ok {
				remaining = int(n)
			}
		}
		return remaining, false, nil
	case verifierFailExhausted:
		return 0, true, nil
	case verifierFailNotFound:
		return 0, false, ErrNotFound
	default:
		return 0, false, fmt.Errorf("%w: verifier failure status %d", ErrCorrupt, code)
	}
}

// DeleteVerifier removes a verifier outright, for flows abandoning a
// pending step early.
func (s *Store) DeleteVerifier(ctx context.Context, verifierID string) error {
	if err := s.redis.Del(ctx, s.verifierKey(verifierID)).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}
