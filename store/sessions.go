package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionDeleteStatusNotFound = 0
	sessionDeleteStatusDeleted  = 1
)

// deleteSessionScript tears down a session and every refresh token minted
// under it. Token and child-set keys are derived from the session's token
// set so the cascade never misses a branch of the rotation tree.
var deleteSessionScript = redis.NewScript(`
local sessionKey = KEYS[1]
local tokensKey = KEYS[2]
local activeKey = KEYS[3]

local userId = redis.call("HGET", sessionKey, "user_id")
if not userId then
	return {0}
end

local prefix = ARGV[1]
local tokens = redis.call("SMEMBERS", tokensKey)
for _, tokenId in ipairs(tokens) do
	redis.call("DEL", prefix .. ":rt:" .. tokenId)
	redis.call("DEL", prefix .. ":rtc:" .. tokenId)
end
redis.call("DEL", tokensKey)
redis.call("DEL", activeKey)
redis.call("DEL", sessionKey)
redis.call("SREM", prefix .. ":us:" .. userId, ARGV[2])

return {1, userId}
`)

// invalidateSessionTokensScript stamps every token of a session as stale
// and clears the active pointer. The session itself survives; only its
// tokens stop being redeemable.
var invalidateSessionTokensScript = redis.NewScript(`
local tokensKey = KEYS[1]
local activeKey = KEYS[2]

local staleAt = ARGV[1]
local prefix = ARGV[2]

local tokens = redis.call("SMEMBERS", tokensKey)
local stamped = 0
for _, tokenId in ipairs(tokens) do
	local tokenKey = prefix .. ":rt:" .. tokenId
	if redis.call("EXISTS", tokenKey) == 1 then
		redis.call("HSET", tokenKey, "first_used_at", staleAt)
		stamped = stamped + 1
	end
end
redis.call("DEL", activeKey)

return {stamped}
`)

// CreateSession persists a session hash and registers it on the owner's
// session set. Tokens are minted separately so callers can open a session
// whose tokens are withheld until a second factor clears.
func (s *Store) CreateSession(ctx context.Context, sess *Session, now time.Time) error {
	if sess.ExpiresAt <= now.Unix() {
		return fmt.Errorf("%w: session already expired", ErrExpired)
	}
	ttl := ttlFor(sess.ExpiresAt, now)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.sessionKey(sess.ID),
			"user_id", sess.UserID,
			"created_at", sess.CreatedAt,
			"expires_at", sess.ExpiresAt,
		)
		pipe.Expire(ctx, s.sessionKey(sess.ID), ttl)
		pipe.SAdd(ctx, s.userSessionsKey(sess.UserID), sess.ID)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// SessionByID loads a session record.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (*Session, error) {
	m, err := s.redis.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &Session{
		ID:        sessionID,
		UserID:    m["user_id"],
		CreatedAt: fieldInt64(m, "created_at"),
		ExpiresAt: fieldInt64(m, "expires_at"),
	}, nil
}

// SessionIDsForUser lists the ids on the owner's session set, including ids
// whose hashes have since expired.
func (s *Store) SessionIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	return ids, nil
}

// DeleteSession removes a session and its whole token tree. The second
// return reports whether the session existed; absent sessions are not an
// error so sign-out stays idempotent.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (string, bool, error) {
	keys := []string{
		s.sessionKey(sessionID),
		s.sessionTokensKey(sessionID),
		s.activeTokenKey(sessionID),
	}
	raw, err := deleteSessionScript.Run(ctx, s.redis, keys, s.prefix, sessionID).Result()
	if err != nil {
		return "", false, wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return "", false, err
	}
	switch code {
	case sessionDeleteStatusDeleted:
		if len(parts) < 2 {
			return "", false, fmt.Errorf("%w: delete session reply too short", ErrCorrupt)
		}
		userID, err := scriptString(parts[1])
		if err != nil {
			return "", false, err
		}
		return userID, true, nil
	case sessionDeleteStatusNotFound:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("%w: delete session status %d", ErrCorrupt, code)
	}
}

// InvalidateSessionTokens stamps every token of the session stale as of
// staleAt and drops the active pointer, so neither rotation nor grace
// reissue will honor them again. Returns how many tokens were stamped.
func (s *Store) InvalidateSessionTokens(ctx context.Context, sessionID string, staleAt int64) (int, error) {
	keys := []string{
		s.sessionTokensKey(sessionID),
		s.activeTokenKey(sessionID),
	}
	raw, err := invalidateSessionTokensScript.Run(ctx, s.redis, keys, staleAt, s.prefix).Result()
	if err != nil {
		return 0, wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return 0, err
	}
	return int(code), nil
}

// DeleteAllSessionsForUser tears down every session on the owner's set and
// returns how many existed. Dangling ids left behind by TTL expiry are
// swept out of the set as they are found.
func (s *Store) DeleteAllSessionsForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.SessionIDsForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		_, found, err := s.DeleteSession(ctx, id)
		if err != nil {
			return deleted, err
		}
		if found {
			deleted++
			continue
		}
		if err := s.redis.SRem(ctx, s.userSessionsKey(userID), id).Err(); err != nil {
			return deleted, wrapRedis(err)
		}
	}
	return deleted, nil
}
