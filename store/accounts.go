package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	accountStatusDuplicate = 0
	accountStatusCreated   = 1

	unlinkStatusNotFound = 0
	unlinkStatusDeleted  = 1
)

// createAccountScript claims the provider index and writes the account hash
// as one step. Two concurrent sign-ups for the same provider identity race
// on the index claim; exactly one wins.
var createAccountScript = redis.NewScript(`
local indexKey = KEYS[1]
local accountKey = KEYS[2]
local userAccountsKey = KEYS[3]

local accountId = ARGV[1]

if redis.call("SET", indexKey, accountId, "NX") == false then
	return {0}
end

redis.call("HSET", accountKey,
	"user_id", ARGV[2],
	"provider", ARGV[3],
	"provider_account_id", ARGV[4],
	"secret_hash", ARGV[5],
	"email", ARGV[6],
	"phone", ARGV[7],
	"email_verified_at", ARGV[8],
	"phone_verified_at", ARGV[9],
	"created_at", ARGV[10])
redis.call("SADD", userAccountsKey, accountId)

return {1}
`)

// unlinkAccountScript removes an account together with its provider index
// entry and membership in the owner's account set.
var unlinkAccountScript = redis.NewScript(`
local accountKey = KEYS[1]

local fields = redis.call("HMGET", accountKey, "user_id", "provider", "provider_account_id")
if not fields[1] then
	return {0}
end

local prefix = ARGV[1]
redis.call("DEL", accountKey)
redis.call("DEL", prefix .. ":ai:" .. fields[2] .. ":" .. fields[3])
redis.call("SREM", prefix .. ":ua:" .. fields[1], ARGV[2])

return {1}
`)

// CreateAccount persists a new account and claims the (provider, provider
// account id) index. Returns ErrDuplicate when the identity is already
// bound to an account.
func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	keys := []string{
		s.accountIndexKey(a.Provider, a.ProviderAccountID),
		s.accountKey(a.ID),
		s.userAccountsKey(a.UserID),
	}
	raw, err := createAccountScript.Run(ctx, s.redis, keys,
		a.ID,
		a.UserID,
		a.Provider,
		a.ProviderAccountID,
		a.SecretHash,
		a.Email,
		a.Phone,
		a.EmailVerifiedAt,
		a.PhoneVerifiedAt,
		a.CreatedAt,
	).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case accountStatusCreated:
		return nil
	case accountStatusDuplicate:
		return ErrDuplicate
	default:
		return fmt.Errorf("%w: create account status %d", ErrCorrupt, code)
	}
}

// AccountByID loads an account record.
func (s *Store) AccountByID(ctx context.Context, accountID string) (*Account, error) {
	m, err := s.redis.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return accountFromFields(accountID, m), nil
}

// AccountByProvider resolves the provider identity index and loads the
// bound account. Returns (nil, nil) when no account holds the identity, so
// sign-in handlers can branch between attach and create without unwrapping.
func (s *Store) AccountByProvider(ctx context.Context, provider, providerAccountID string) (*Account, error) {
	accountID, err := s.redis.Get(ctx, s.accountIndexKey(provider, providerAccountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrapRedis(err)
	}

	a, err := s.AccountByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		// Index held a dangling pointer. Treat as absent.
		return nil, nil
	}
	return a, err
}

// UpdateAccountSecret replaces the stored secret hash, for password changes
// and hash upgrades.
func (s *Store) UpdateAccountSecret(ctx context.Context, accountID, secretHash string) error {
	if err := s.redis.HSet(ctx, s.accountKey(accountID), "secret_hash", secretHash).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// StampAccountEmailVerified records that the account's email address has
// been proven.
func (s *Store) StampAccountEmailVerified(ctx context.Context, accountID string, at int64) error {
	if err := s.redis.HSet(ctx, s.accountKey(accountID), "email_verified_at", at).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// StampAccountPhoneVerified records that the account's phone number has
// been proven.
func (s *Store) StampAccountPhoneVerified(ctx context.Context, accountID string, at int64) error {
	if err := s.redis.HSet(ctx, s.accountKey(accountID), "phone_verified_at", at).Err(); err != nil {
		return wrapRedis(err)
	}
	return nil
}

// AccountsByUser lists every account linked to a user.
func (s *Store) AccountsByUser(ctx context.Context, userID string) ([]*Account, error) {
	ids, err := s.redis.SMembers(ctx, s.userAccountsKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := s.AccountByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// UnlinkAccount removes an account, its provider index entry, and its
// membership in the owner's account set.
func (s *Store) UnlinkAccount(ctx context.Context, accountID string) error {
	keys := []string{s.accountKey(accountID)}
	raw, err := unlinkAccountScript.Run(ctx, s.redis, keys, s.prefix, accountID).Result()
	if err != nil {
		return wrapRedis(err)
	}

	_, code, err := decodeScriptReply(raw)
	if err != nil {
		return err
	}
	switch code {
	case unlinkStatusDeleted:
		return nil
	case unlinkStatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("%w: unlink account status %d", ErrCorrupt, code)
	}
}

func accountFromFields(accountID string, m map[string]string) *Account {
	return &Account{
		ID:                accountID,
		UserID:            m["user_id"],
		Provider:          m["provider"],
		ProviderAccountID: m["provider_account_id"],
		SecretHash:        m["secret_hash"],
		Email:             m["email"],
		Phone:             m["phone"],
		EmailVerifiedAt:   fieldInt64(m, "email_verified_at"),
		PhoneVerifiedAt:   fieldInt64(m, "phone_verified_at"),
		CreatedAt:         fieldInt64(m, "created_at"),
	}
}
