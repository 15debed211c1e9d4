package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CreateUser persists a new user. The caller may leave ID empty to have one
// assigned. When the user arrives with a verified email or phone the
// matching index entry is claimed with SETNX, so an existing claim by
// another user is never overwritten.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(u.ID),
			"name", u.Name,
			"email", u.Email,
			"phone", u.Phone,
			"email_verified_at", u.EmailVerifiedAt,
			"phone_verified_at", u.PhoneVerifiedAt,
			"anonymous", boolField(u.Anonymous),
			"created_at", u.CreatedAt,
		)
		if u.Email != "" && u.EmailVerifiedAt > 0 {
			pipe.SetNX(ctx, s.emailIndexKey(u.Email), u.ID, 0)
		}
		if u.Phone != "" && u.PhoneVerifiedAt > 0 {
			pipe.SetNX(ctx, s.phoneIndexKey(u.Phone), u.ID, 0)
		}
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}

	return nil
}

// UserByID loads a user record.
func (s *Store) UserByID(ctx context.Context, userID string) (*User, error) {
	m, err := s.redis.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, wrapRedis(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}

	return &User{
		ID:              userID,
		Name:            m["name"],
		Email:           m["email"],
		Phone:           m["phone"],
		EmailVerifiedAt: fieldInt64(m, "email_verified_at"),
		PhoneVerifiedAt: fieldInt64(m, "phone_verified_at"),
		Anonymous:       fieldBool(m, "anonymous"),
		CreatedAt:       fieldInt64(m, "created_at"),
	}, nil
}

// MarkUserEmailVerified stamps the verification time on the user and claims
// the verified-email index. Only verified addresses ever enter the index,
// which is what makes it safe for the linking policy to trust it.
func (s *Store) MarkUserEmailVerified(ctx context.Context, userID, email string, at int64) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(userID), "email", email, "email_verified_at", at)
		pipe.SetNX(ctx, s.emailIndexKey(email), userID, 0)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// MarkUserPhoneVerified stamps the verification time on the user and claims
// the verified-phone index.
func (s *Store) MarkUserPhoneVerified(ctx context.Context, userID, phone string, at int64) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(userID), "phone", phone, "phone_verified_at", at)
		pipe.SetNX(ctx, s.phoneIndexKey(phone), userID, 0)
		return nil
	})
	if err != nil {
		return wrapRedis(err)
	}
	return nil
}

// UserIDByVerifiedEmail resolves the verified-email index. Missing entries
// return empty, not an error, so callers can branch without unwrapping.
func (s *Store) UserIDByVerifiedEmail(ctx context.Context, email string) (string, error) {
	userID, err := s.redis.Get(ctx, s.emailIndexKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", wrapRedis(err)
	}
	return userID, nil
}

// UserIDByVerifiedPhone resolves the verified-phone index.
func (s *Store) UserIDByVerifiedPhone(ctx context.Context, phone string) (string, error) {
	userID, err := s.redis.Get(ctx, s.phoneIndexKey(phone)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", wrapRedis(err)
	}
	return userID, nil
}
