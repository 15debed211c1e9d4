package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable wraps every Redis transport failure surfaced by this package.
	ErrUnavailable = errors.New("auth store unavailable")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExpired is returned when a record exists but its expiry has passed.
	ErrExpired = errors.New("record expired")
	// ErrDuplicate is returned when a uniqueness index already holds the key.
	ErrDuplicate = errors.New("record already exists")
	// ErrCorrupt is returned when a stored record fails to decode.
	ErrCorrupt = errors.New("record corrupt")
)

const defaultPrefix = "ac"

// keyTTLSlack keeps keys alive slightly past their logical expiry so the
// expired state is observable (and reported as such) before Redis reaps it.
const keyTTLSlack = time.Minute

// Store is the Redis-backed persistence layer for the authentication engine.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Store] on the given Redis client. prefix namespaces every
// key; the default is "ac".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		redis:  client,
		prefix: prefix,
	}
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) userKey(userID string) string        { return s.prefix + ":u:" + userID }
func (s *Store) emailIndexKey(email string) string   { return s.prefix + ":ue:" + email }
func (s *Store) phoneIndexKey(phone string) string   { return s.prefix + ":up:" + phone }
func (s *Store) accountKey(accountID string) string  { return s.prefix + ":a:" + accountID }
func (s *Store) userAccountsKey(userID string) string { return s.prefix + ":ua:" + userID }
func (s *Store) accountIndexKey(provider, providerAccountID string) string {
	return s.prefix + ":ai:" + provider + ":" + providerAccountID
}
func (s *Store) sessionKey(sessionID string) string      { return s.prefix + ":s:" + sessionID }
func (s *Store) userSessionsKey(userID string) string    { return s.prefix + ":us:" + userID }
func (s *Store) sessionTokensKey(sessionID string) string { return s.prefix + ":st:" + sessionID }
func (s *Store) tokenKey(tokenID string) string          { return s.prefix + ":rt:" + tokenID }
func (s *Store) tokenChildrenKey(tokenID string) string  { return s.prefix + ":rtc:" + tokenID }
func (s *Store) activeTokenKey(sessionID string) string  { return s.prefix + ":sa:" + sessionID }
func (s *Store) codeKey(codeHash string) string          { return s.prefix + ":vc:" + codeHash }
func (s *Store) codeIndexKey(accountKey string) string   { return s.prefix + ":vca:" + accountKey }
func (s *Store) verifierKey(verifierID string) string    { return s.prefix + ":vf:" + verifierID }
func (s *Store) passkeyKey(credentialID string) string   { return s.prefix + ":pk:" + credentialID }
func (s *Store) userPasskeysKey(userID string) string    { return s.prefix + ":upk:" + userID }
func (s *Store) totpKey(userID string) string            { return s.prefix + ":ts:" + userID }
func (s *Store) apiKeyKey(keyID string) string           { return s.prefix + ":ak:" + keyID }
func (s *Store) apiKeyIndexKey(fingerprint string) string { return s.prefix + ":akf:" + fingerprint }
func (s *Store) userAPIKeysKey(userID string) string     { return s.prefix + ":uak:" + userID }
func (s *Store) deviceKey(deviceCode string) string      { return s.prefix + ":dv:" + deviceCode }
func (s *Store) userCodeIndexKey(userCode string) string { return s.prefix + ":dvu:" + userCode }

func wrapRedis(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func fieldInt64(m map[string]string, field string) int64 {
	v, err := strconv.ParseInt(m[field], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func fieldUint32(m map[string]string, field string) uint32 {
	v, err := strconv.ParseUint(m[field], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func fieldUint64(m map[string]string, field string) uint64 {
	v, err := strconv.ParseUint(m[field], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func fieldInt(m map[string]string, field string) int {
	v, err := strconv.Atoi(m[field])
	if err != nil {
		return 0
	}
	return v
}

func fieldBool(m map[string]string, field string) bool {
	return m[field] == "1"
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// scriptString normalizes Lua bulk replies, which go-redis may surface as
// string or []byte depending on the client path.
func scriptString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("%w: script reply type %T", ErrCorrupt, v)
	}
}

func decodeScriptReply(result interface{}) ([]interface{}, int64, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, 0, fmt.Errorf("%w: invalid script response", ErrUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, 0, fmt.Errorf("%w: invalid script status", ErrUnavailable)
	}
	return parts, code, nil
}

func ttlFor(expiresAt int64, now time.Time) time.Duration {
	remaining := time.Unix(expiresAt, 0).Sub(now)
	if remaining <= 0 {
		return keyTTLSlack
	}
	return remaining + keyTTLSlack
}
