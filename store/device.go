package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis-side status codes for pollDeviceScript.
const (
	devicePollNotFound = 0
	devicePollExpired  = 1
	devicePollSlowDown = 2
	devicePollPending  = 3
	devicePollDenied   = 4
	devicePollApproved = 5
)

// Redis-side status codes for resolveDeviceScript.
const (
	deviceResolveNotFound   = 0
	deviceResolveExpired    = 1
	deviceResolveNotPending = 2
	deviceResolveOK         = 3
)

// PollOutcome is the decoded result of one device poll.
type PollOutcome int

const (
	PollPending PollOutcome = iota
	PollSlowDown
	PollExpired
	PollDenied
	PollApproved
	PollUnknown
)

// pollDeviceScript advances one poll of a pending device authorization.
// Every poll stamps last_poll_at, so a client that keeps polling under the
// advertised interval keeps seeing the slow-down verdict until it backs
// off. Terminal verdicts delete the record and its user-code index.
var pollDeviceScript = redis.NewScript(`
local deviceKey = KEYS[1]

local prefix = ARGV[1]
local now = tonumber(ARGV[2])

local f = redis.call("HMGET", deviceKey, "user_code", "status", "user_id", "interval", "last_poll_at", "expires_at")
if not f[1] then
	return {0}
end

local userCode = f[1]
local expires = tonumber(f[6]) or 0
if expires <= now then
	redis.call("DEL", deviceKey)
	redis.call("DEL", prefix .. ":dvu:" .. userCode)
	return {1}
end

local interval = tonumber(f[4]) or 5
local lastPoll = tonumber(f[5]) or 0
redis.call("HSET", deviceKey, "last_poll_at", now)
if lastPoll > 0 and now - lastPoll < interval then
	return {2}
end

local status = f[2]
if status == "pending" then
	return {3}
end

redis.call("DEL", deviceKey)
redis.call("DEL", prefix .. ":dvu:" .. userCode)
if status == "denied" then
	return {4}
end

return {5, f[3]}
`)

// resolveDeviceScript stamps an approve or deny verdict onto a pending
// authorization, looked up by its user code.
var resolveDeviceScript = redis.NewScript(`
local indexKey = KEYS[1]

local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local userId = ARGV[3]
local verdict = ARGV[4]

local deviceCode = redis.call("GET", indexKey)
if not deviceCode then
	return {0}
end

local deviceKey = prefix .. ":dv:" .. deviceCode
local f = redis.call("HMGET", deviceKey, "status", "expires_at")
if not f[1] then
	return {0}
end
if (tonumber(f[2]) or 0) <= now then
	return {1}
end
if f[1] ~= "pending" then
	return {2}
end

redis.call("HSET", deviceKey, "status", verdict, "user_id", userId)
return {3}
`)

// CreateDeviceAuthorization stores a fresh pending grant under both its
// device code and its human-facing user code.
func (s *Store) CreateDeviceAuthorization(ctx context.Context, d *DeviceAuthorization, now time.Time) error {
	if d.ExpiresAt <= now.Unix() {
		return fmt.Errorf("%w: device authorization already expired", ErrExpired)
	}
	ttl := ttlFor(d.ExpiresAt, now)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.deviceKey(d.DeviceCode),
			"user_code", d.UserCode,
			"provider", d.Provider,
			"status", string(d.Status),
			"user_id", d.UserID,
			"interval", d.Interval,
			"last_poll_at", d.LastPollAt,
			"expires_at", d.ExpiresAt,
		)
		pipe.Expire(ctx, s.deviceKey(d.DeviceCode), ttl)
		pipe.Set(ctx, s.userCodeIndexKey(d.UserCode), d.DeviceCode, ttl)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// PollDevice advances one poll against a device code. The approving user's
// id accompanies PollApproved; every other outcome returns it empty.
func (s *Store) PollDevice(ctx context.Context, deviceCode string, now time.Time) (PollOutcome, string, error) {
	keys := []string{s.deviceKey(deviceCode)}
	raw, err := pollDeviceScript.Run(ctx, s.redis, keys, s.prefix, now.Unix()).Result()
	if err != nil {
		return PollUnknown, "", wrapRedis(err)
	}

	parts, code, err := decodeScriptReply(raw)
	if err != nil {
		return PollUnknown, "", err
	}
	switch code {
	case devicePollNotFound:
		return PollUnknown, "", ErrNotFound
	case devicePollExpired:
		return PollExpired, "", nil
	case devicePollSlowDown:
		return PollSlowDown, "", nil
	case devicePollPending:
		return PollPending, "", nil
	case devicePollDenied:
		return PollDenied, "", nil
	case devicePollApproved:
		if len(parts) < 2 {
			return PollUnknown, "", fmt.Errorf("%w: poll reply too short", ErrCorrupt)
		}
		userID, err := scriptString(parts[1])
		if err != nil {
			return PollUnknown, "", err
		}
		return PollApproved, userID, nil
	default:
		return PollUnknown, "", fmt.Errorf("%w: poll status %d", ErrCorrupt, code)
	}
}

// ResolveDevice stamps an approval or denial onto the pending grant bound
// to userCode. ErrNotFound covers unknown codes, ErrExpired lapsed ones,
// and ErrDuplicate grants already resolved.
func (s *Store) ResolveDevice(ctx context.Context, userCode, userID string, approve bool, now time.Time) error {
	verdict := string(DeviceStatusDenied)
	if approve {
		verdict = string(DeviceStatusApproved)
	}

	keys := []string{s.userCodeIndexKey(userCode)}
	raw, err := resolveDeviceScript.Run(ctx, s.redis, keys, s.prefix, now.Unix(), userID, verdict).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case deviceResolveOK:
		return nil
	case deviceResolveNotFound:
		return ErrNotFound
	case deviceResolveExpired:
		return ErrExpired
	case deviceResolveNotPending:
		return ErrDuplicate
	default:
		return fmt.Errorf("%w: resolve device status %d", ErrCorrupt, code)
	}
}

// DeviceByCode loads one authorization record, for the approval page to
// show what the user is about to grant.
func (s *Store) DeviceByCode(ctx context.Context, deviceCode string) (*DeviceAuthorization, error) {
	m, err := s.redis.HGetAll(ctx, s.deviceKey(deviceCode)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return &DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   m["user_code"],
		Provider:   m["provider"],
		Status:     DeviceStatus(m["status"]),
		UserID:     m["user_id"],
		Interval:   fieldInt(m, "interval"),
		LastPollAt: fieldInt64(m, "last_poll_at"),
		ExpiresAt:  fieldInt64(m, "expires_at"),
	}, nil
}

// DeviceByUserCode resolves the user-code index to the full record.
func (s *Store) DeviceByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error) {
	deviceCode, err := s.redis.Get(ctx, s.userCodeIndexKey(userCode)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapRedis(err)
	}
	return s.DeviceByCode(ctx, deviceCode)
}
