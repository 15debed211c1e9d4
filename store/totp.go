package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// commitTOTPStepScript records the time step of an accepted code, but only
// if it is newer than every step accepted before. Rejecting an equal or
// older step is what makes each code single-use across its validity
// window.
var commitTOTPStepScript = redis.NewScript(`
local key = KEYS[1]
local step = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 0 then
	return {0}
end

local last = tonumber(redis.call("HGET", key, "last_used_step")) or 0
if step <= last then
	return {0}
end

redis.call("HSET", key, "last_used_step", step)
return {1}
`)

// SaveTOTPSecret writes a user's enrollment. An unverified record is a
// pending setup; MarkTOTPVerified flips it live.
func (s *Store) SaveTOTPSecret(ctx context.Context, t *TOTPSecret) error {
	err := s.redis.HSet(ctx, s.totpKey(t.UserID),
		"secret", t.Secret,
		"digits", t.Digits,
		"period", t.Period,
		"skew", t.Skew,
		"algorithm", t.Algorithm,
		"verified", boolField(t.Verified),
		"last_used_step", t.LastUsedStep,
		"created_at", t.CreatedAt,
	).Err()
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// TOTPSecretByUser loads a user's enrollment.
func (s *Store) TOTPSecretByUser(ctx context.Context, userID string) (*TOTPSecret, error) {
	m, err := s.redis.HGetAll(ctx, s.totpKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &TOTPSecret{
		UserID:       userID,
		Secret:       []byte(m["secret"]),
		Digits:       fieldInt(m, "digits"),
		Period:       fieldInt(m, "period"),
		Skew:         fieldInt(m, "skew"),
		Algorithm:    m["algorithm"],
		Verified:     fieldBool(m, "verified"),
		LastUsedStep: fieldInt64(m, "last_used_step"),
		CreatedAt:    fieldInt64(m, "created_at"),
	}, nil
}

// MarkTOTPVerified flips a pending enrollment live.
func (s *Store) MarkTOTPVerified(ctx context.Context, userID string) error {
	if err := s.redis.HSet(ctx, s.totpKey(userID), "verified", 1).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// CommitTOTPStep claims the time step of a code that just verified.
// Returns false when the step was already spent, which callers must treat
// as a failed verification.
func (s *Store) CommitTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	keys := []string{s.totpKey(userID)}
	raw, err := commitTOTPStepScript.Run(ctx, s.redis, keys, step).Result()
	if err != nil {
		return false, wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return false, err
	}
	return code == 1, nil
}

// DeleteTOTPSecret removes a user's enrollment.
func (s *Store) DeleteTOTPSecret(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.totpKey(userID)).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}
