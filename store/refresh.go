package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis-side status codes for rotateRefreshScript.
const (
	rotateCodeNotFound        = 0
	rotateCodeSessionMismatch = 1
	rotateCodeSessionGone     = 2
	rotateCodeSessionExpired  = 3
	rotateCodeTokenExpired    = 4
	rotateCodeRotated         = 5
	rotateCodeGraceReissue    = 6
	rotateCodeReuseDetected   = 7
)

// RotateStatus classifies the outcome of a rotation attempt for callers.
type RotateStatus int

const (
	// RotateInvalid covers every terminal failure that yields no pair:
	// unknown token, session mismatch, missing or expired session,
	// expired token. Reason carries the specific cause.
	RotateInvalid RotateStatus = iota
	// RotateOK means a fresh pair was minted, or the recorded successor
	// was reissued inside the grace window.
	RotateOK
	// RotateReused means the token was presented again after its grace
	// window. Its whole descendant subtree has been stamped stale and
	// the session's active pointer cleared.
	RotateReused
)

// RotateResult is the decoded outcome of one rotation attempt.
type RotateResult struct {
	Status RotateStatus
	// Reason names the failure cause for RotateInvalid outcomes.
	Reason string
	// TokenID is the newly minted child, or the recorded successor when
	// the rotation landed inside the grace window.
	TokenID          string
	UserID           string
	TokenExpiresAt   int64
	SessionExpiresAt int64
	// Reissued is true when TokenID is the previously recorded successor
	// rather than a fresh mint.
	Reissued bool
	// Invalidated counts the tokens stamped stale on a reuse outcome.
	Invalidated int
}

// Rotation failure reasons, surfaced through RotateResult.Reason.
const (
	RotateReasonTokenNotFound   = "token_not_found"
	RotateReasonSessionMismatch = "session_mismatch"
	RotateReasonSessionGone     = "session_gone"
	RotateReasonSessionExpired  = "session_expired"
	RotateReasonTokenExpired    = "token_expired"
)

// rotateRefreshScript is the single atomic step behind refresh rotation.
//
// A token moves through three states, keyed off first_used_at:
//
//	0                     never used; rotating mints a child
//	now - v <  grace      used moments ago; rotating reissues the same
//	                      recorded successor, so a retried request that
//	                      lost its response still converges on one child
//	now - v >= grace      used long ago; presenting it again means the
//	                      token leaked, so the whole subtree below it is
//	                      stamped stale and the active pointer dropped
//
// The stale stamp is now - grace: old enough that the grace comparison
// can never pass again, monotone under any later clock reading.
//
// The subtree walk is an explicit queue, not recursion, so arbitrarily
// deep rotation chains cannot exhaust the interpreter stack.
var rotateRefreshScript = redis.NewScript(`
local tokenKey = KEYS[1]
local sessionKey = KEYS[2]
local tokensKey = KEYS[3]
local activeKey = KEYS[4]

local prefix = ARGV[1]
local tokenId = ARGV[2]
local sessionId = ARGV[3]
local now = tonumber(ARGV[4])
local grace = tonumber(ARGV[5])
local childId = ARGV[6]
local inactivity = tonumber(ARGV[7])
local absolute = tonumber(ARGV[8])
local slack = tonumber(ARGV[9])

local function invalidateSubtree(rootId, staleAt)
	local queue = {rootId}
	local head = 1
	local stamped = 0
	while head <= #queue do
		local id = queue[head]
		head = head + 1
		local key = prefix .. ":rt:" .. id
		if redis.call("EXISTS", key) == 1 then
			redis.call("HSET", key, "first_used_at", staleAt)
			stamped = stamped + 1
		end
		local children = redis.call("SMEMBERS", prefix .. ":rtc:" .. id)
		for _, c in ipairs(children) do
			queue[#queue + 1] = c
		end
	end
	return stamped
end

local token = redis.call("HMGET", tokenKey, "session_id", "expires_at", "first_used_at", "successor_id")
if not token[1] then
	return {0}
end
if token[1] ~= sessionId then
	return {1}
end

local session = redis.call("HMGET", sessionKey, "user_id", "created_at", "expires_at")
if not session[1] then
	return {2}
end
local userId = session[1]
local sessionCreated = tonumber(session[2])
local sessionExpires = tonumber(session[3])
if sessionExpires <= now then
	return {3}
end

local tokenExpires = tonumber(token[2]) or 0
if tokenExpires <= now then
	return {4}
end

local firstUsed = tonumber(token[3]) or 0

if firstUsed == 0 then
	local cap = sessionCreated + absolute
	local childExpires = now + inactivity
	if childExpires > cap then
		childExpires = cap
	end
	if childExpires <= now then
		return {3}
	end
	if childExpires > sessionExpires then
		sessionExpires = childExpires
		redis.call("HSET", sessionKey, "expires_at", sessionExpires)
	end

	redis.call("HSET", tokenKey, "first_used_at", now, "successor_id", childId)

	local childKey = prefix .. ":rt:" .. childId
	redis.call("HSET", childKey,
		"session_id", sessionId,
		"parent_id", tokenId,
		"expires_at", childExpires,
		"first_used_at", 0,
		"successor_id", "",
		"created_at", now)
	redis.call("EXPIRE", childKey, childExpires - now + slack)

	redis.call("SADD", tokensKey, childId)
	redis.call("SADD", prefix .. ":rtc:" .. tokenId, childId)
	redis.call("EXPIRE", prefix .. ":rtc:" .. tokenId, tokenExpires - now + slack)

	redis.call("SET", activeKey, childId, "EX", childExpires - now + slack)

	local sessionTTL = sessionExpires - now + slack
	redis.call("EXPIRE", sessionKey, sessionTTL)
	redis.call("EXPIRE", tokensKey, sessionTTL)

	return {5, childId, userId, childExpires, sessionExpires}
end

if now - firstUsed < grace then
	local successor = token[4]
	if successor and successor ~= "" then
		local succExpires = redis.call("HGET", prefix .. ":rt:" .. successor, "expires_at")
		if succExpires then
			return {6, successor, userId, tonumber(succExpires), sessionExpires}
		end
	end
end

local stamped = invalidateSubtree(tokenId, now - grace)
redis.call("DEL", activeKey)

return {7, stamped}
`)

// MintRootToken writes the first refresh token of a session and points the
// session's active slot at it.
func (s *Store) MintRootToken(ctx context.Context, t *RefreshToken, now time.Time) error {
	if t.ExpiresAt <= now.Unix() {
		return fmt.Errorf("%w: refresh token already expired", ErrExpired)
	}
	ttl := ttlFor(t.ExpiresAt, now)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.tokenKey(t.ID),
			"session_id", t.SessionID,
			"parent_id", t.ParentID,
			"expires_at", t.ExpiresAt,
			"first_used_at", 0,
			"successor_id", "",
			"created_at", t.CreatedAt,
		)
		pipe.Expire(ctx, s.tokenKey(t.ID), ttl)
		pipe.SAdd(ctx, s.sessionTokensKey(t.SessionID), t.ID)
		pipe.Set(ctx, s.activeTokenKey(t.SessionID), t.ID, ttl)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// Rotate redeems one refresh token. childID must be a fresh id generated by
// the caller; it is only consumed on the mint path. grace bounds the
// idempotent reissue window, inactivity the sliding lifetime of the minted
// child, absolute the hard lifetime measured from session creation.
func (s *Store) Rotate(ctx context.Context, tokenID, sessionID, childID string, now time.Time, grace, inactivity, absolute time.Duration) (*RotateResult, error) {
	keys := []string{
		s.tokenKey(tokenID),
		s.sessionKey(sessionID),
		s.sessionTokensKey(sessionID),
		s.activeTokenKey(sessionID),
	}
	raw, err := rotateRefreshScript.Run(ctx, s.redis, keys,
		s.prefix,
		tokenID,
		sessionID,
		now.Unix(),
		int64(grace/time.Second),
		childID,
		int64(inactivity/time.Second),
		int64(absolute/time.Second),
		int64(keyTTLSlack/time.Second),
	).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return nil, err
	}

	switch code {
	case rotateCodeNotFound:
		return &RotateResult{Status: RotateInvalid, Reason: RotateReasonTokenNotFound}, nil
	case rotateCodeSessionMismatch:
		return &RotateResult{Status: RotateInvalid, Reason: RotateReasonSessionMismatch}, nil
	case rotateCodeSessionGone:
		return &RotateResult{Status: RotateInvalid, Reason: RotateReasonSessionGone}, nil
	case rotateCodeSessionExpired:
		return &RotateResult{Status: RotateInvalid, Reason: RotateReasonSessionExpired}, nil
	case rotateCodeTokenExpired:
		return &RotateResult{Status: RotateInvalid, Reason: RotateReasonTokenExpired}, nil
	case rotateCodeRotated, rotateCodeGraceReissue:
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: rotate reply too short", ErrCorrupt)
		}
		newID, err := scriptString(parts[1])
		if err != nil {
			return nil, err
		}
		userID, err := scriptString(parts[2])
		if err != nil {
			return nil, err
		}
		tokenExpires, ok := parts[3].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: rotate reply expiry type %T", ErrCorrupt, parts[3])
		}
		sessionExpires, ok := parts[4].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: rotate reply session expiry type %T", ErrCorrupt, parts[4])
		}
		return &RotateResult{
			Status:           RotateOK,
			TokenID:          newID,
			UserID:           userID,
			TokenExpiresAt:   tokenExpires,
			SessionExpiresAt: sessionExpires,
			Reissued:         code == rotateCodeGraceReissue,
		}, nil
	case rotateCodeReuseDetected:
		stamped := 0
		if len(parts) >= 2 {
			if n, ok := parts[1].(int64); ok {
				stamped = int(n)
			}
		}
		return &RotateResult{Status: RotateReused, Invalidated: stamped}, nil
	default:
		return nil, fmt.Errorf("%w: rotate status %d", ErrCorrupt, code)
	}
}

// RefreshTokenByID loads one token record.
func (s *Store) RefreshTokenByID(ctx context.Context, tokenID string) (*RefreshToken, error) {
	m, err := s.redis.HGetAll(ctx, s.tokenKey(tokenID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &RefreshToken{
		ID:          tokenID,
		SessionID:   m["session_id"],
		ParentID:    m["parent_id"],
		ExpiresAt:   fieldInt64(m, "expires_at"),
		FirstUsedAt: fieldInt64(m, "first_used_at"),
		SuccessorID: m["successor_id"],
		CreatedAt:   fieldInt64(m, "created_at"),
	}, nil
}

// ActiveTokenID returns the id the session's active slot points at, or
// empty when no token is currently active.
func (s *Store) ActiveTokenID(ctx context.Context, sessionID string) (string, error) {
	id, err := s.redis.Get(ctx, s.activeTokenKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", wrapRedis(err)
	}
	return id, nil
}

// ChildrenOf lists the direct children a token has minted.
func (s *Store) ChildrenOf(ctx context.Context, tokenID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.tokenChildrenKey(tokenID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	return ids, nil
}
