package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/robelest/authcore/store"
)

// accountSpec describes a provider account a flow wants to exist. The
// verified flags must only be set when the current flow itself proved
// ownership of the destination, or when the upstream provider asserts
// it; they decide whether the linking index may be consulted and fed.
type accountSpec struct {
	provider          string
	providerAccountID string
	secretHash        string
	email             string
	phone             string
	emailVerified     bool
	phoneVerified     bool
	name              string
	anonymous         bool
}

// resolveLinkUser decides which existing user a new account should
// attach to. Only verified destinations participate: the index holds
// nothing but verified bindings, and an unverified incoming claim never
// reads it. No match means a fresh user.
func (e *Engine) resolveLinkUser(ctx context.Context, spec accountSpec) (string, error) {
	if spec.email != "" && spec.emailVerified {
		userID, err := e.store.UserIDByVerifiedEmail(ctx, spec.email)
		if err != nil {
			return "", err
		}
		if userID != "" {
			return userID, nil
		}
	}

	if spec.phone != "" && spec.phoneVerified {
		userID, err := e.store.UserIDByVerifiedPhone(ctx, spec.phone)
		if err != nil {
			return "", err
		}
		if userID != "" {
			return userID, nil
		}
	}

	return "", nil
}

// ensureAccount finds or creates the account for spec, creating or
// linking its user per the linking policy, and reconciles the caller's
// current session against the resolved user. The bool reports whether a
// new user was created.
func (e *Engine) ensureAccount(ctx context.Context, currentSessionID string, spec accountSpec) (*store.Account, bool, error) {
	account, err := e.store.AccountByProvider(ctx, spec.provider, spec.providerAccountID)
	if err != nil {
		return nil, false, err
	}

	now := e.now().Unix()
	createdUser := false

	if account == nil {
		userID, err := e.resolveLinkUser(ctx, spec)
		if err != nil {
			return nil, false, err
		}
		linked := userID != ""

		if userID == "" {
			user := &store.User{
				Name:      spec.name,
				Email:     spec.email,
				Phone:     spec.phone,
				Anonymous: spec.anonymous,
				CreatedAt: now,
			}
			if spec.emailVerified {
				user.EmailVerifiedAt = now
			}
			if spec.phoneVerified {
				user.PhoneVerifiedAt = now
			}
			if err := e.store.CreateUser(ctx, user); err != nil {
				return nil, false, err
			}
			userID = user.ID
			createdUser = true
		}

		account = &store.Account{
			UserID:            userID,
			Provider:          spec.provider,
			ProviderAccountID: spec.providerAccountID,
			SecretHash:        spec.secretHash,
			Email:             spec.email,
			Phone:             spec.phone,
			CreatedAt:         now,
		}
		if spec.emailVerified {
			account.EmailVerifiedAt = now
		}
		if spec.phoneVerified {
			account.PhoneVerifiedAt = now
		}

		if err := e.store.CreateAccount(ctx, account); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Lost a race against a concurrent first sign-in for
				// the same identity. Adopt the winner's account.
				existing, lookupErr := e.store.AccountByProvider(ctx, spec.provider, spec.providerAccountID)
				if lookupErr != nil {
					return nil, false, lookupErr
				}
				if existing == nil {
					return nil, false, err
				}
				account = existing
				createdUser = false
			} else {
				return nil, false, err
			}
		} else if linked {
			e.emitAudit(ctx, auditEventAccountLinked, true, userID, "", spec.provider, nil, func() map[string]string {
				return map[string]string{"account_id": account.ID}
			})
		}
	}

	// A flow that proved destination ownership upgrades the stored
	// verification stamps, which also feeds the linking index.
	if spec.emailVerified && spec.email != "" && account.EmailVerifiedAt == 0 {
		if err := e.store.StampAccountEmailVerified(ctx, account.ID, now); err != nil {
			return nil, false, err
		}
		account.EmailVerifiedAt = now
	}
	if spec.emailVerified && spec.email != "" {
		if err := e.store.MarkUserEmailVerified(ctx, account.UserID, spec.email, now); err != nil {
			return nil, false, err
		}
	}
	if spec.phoneVerified && spec.phone != "" && account.PhoneVerifiedAt == 0 {
		if err := e.store.StampAccountPhoneVerified(ctx, account.ID, now); err != nil {
			return nil, false, err
		}
		account.PhoneVerifiedAt = now
	}
	if spec.phoneVerified && spec.phone != "" {
		if err := e.store.MarkUserPhoneVerified(ctx, account.UserID, spec.phone, now); err != nil {
			return nil, false, err
		}
	}

	if err := e.reconcileSession(ctx, currentSessionID, account.UserID); err != nil {
		return nil, false, err
	}

	return account, createdUser, nil
}

// reconcileSession invalidates the caller's current refresh tokens when
// a flow resolved to a different user than the session holds. Without
// this, completing a sign-in on top of someone else's session would
// leave both identities' tokens live side by side.
func (e *Engine) reconcileSession(ctx context.Context, sessionID, targetUserID string) error {
	if sessionID == "" {
		return nil
	}

	sess, err := e.store.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.UserID == targetUserID {
		return nil
	}

	// Stamp tokens stale as of one grace window ago so not even the
	// idempotent reissue path will honor them.
	staleAt := e.now().Add(-e.config.Session.ReuseGrace).Unix()
	n, err := e.store.InvalidateSessionTokens(ctx, sessionID, staleAt)
	if err != nil {
		return err
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventSessionSwitched, true, targetUserID, sessionID, "", nil, func() map[string]string {
		return map[string]string{
			"previous_user": sess.UserID,
			"invalidated":   strconv.Itoa(n),
		}
	})
	return nil
}
