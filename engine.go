package authcore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/internal/rate"
	"github.com/robelest/authcore/password"
	"github.com/robelest/authcore/scope"
	"github.com/robelest/authcore/store"
	"github.com/robelest/authcore/token"
)

// Engine is the authentication core. One instance serves a whole
// process; every method is safe for concurrent use. Construct it
// through [New] and release background resources with [Engine.Close].
type Engine struct {
	config Config

	store   *store.Store
	limiter *rate.Limiter
	tokens  *token.Manager
	hasher  *password.Argon2
	totp    *totpManager
	scopes  *scope.Registry
	audit   *auditDispatcher
	metrics *Metrics
	logger  *zap.Logger

	providers map[string]Provider

	delivery  Delivery
	exchanger OAuthExchanger
	passkeys  PasskeyVerifier

	// now is the engine clock. Tests freeze it; production uses
	// time.Now.
	now func() time.Time
}

// Close stops the audit dispatcher after draining queued events. The
// engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine's counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) log() *zap.Logger {
	if e == nil || e.logger == nil {
		return zap.NewNop()
	}
	return e.logger
}

// SignIn is the single entry point for every authentication flow.
//
// Routing is positional: a refresh token with no provider rotates, a
// bare code with a verifier completes the pending flow that issued it,
// and otherwise the named provider decides what the parameters mean.
// The returned result is a closed union; its Kind field names which
// continuation the caller is in.
func (e *Engine) SignIn(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	if req.RefreshToken != "" && req.Provider == "" {
		return e.refresh(ctx, req.RefreshToken)
	}

	if req.Provider == "" && req.Params["code"] != "" {
		return e.completeCode(ctx, req)
	}

	if req.Provider == "" {
		return nil, errMissingParam("provider")
	}

	p, ok := e.providers[req.Provider]
	if !ok {
		e.metricInc(MetricSignInFailure)
		e.emitAudit(ctx, auditEventSignInFailure, false, "", req.SessionID, req.Provider, ErrUnsupportedProviderType, nil)
		return nil, errUnknownProvider(req.Provider)
	}

	switch p := p.(type) {
	case *CredentialsProvider:
		return e.signInCredentials(ctx, p, req)
	case *AnonymousProvider:
		return e.signInAnonymous(ctx, p, req)
	case *EmailProvider:
		return e.signInEmail(ctx, p, req)
	case *PhoneProvider:
		return e.signInPhone(ctx, p, req)
	case *OAuthProvider:
		return e.signInOAuth(ctx, p, req)
	case *PasskeyProvider:
		return e.signInPasskey(ctx, p, req)
	case *TOTPProvider:
		return e.signInTOTP(ctx, p, req)
	case *DeviceProvider:
		return e.signInDevice(ctx, p, req)
	default:
		return nil, errUnknownProvider(req.Provider)
	}
}

// refresh rotates one refresh token. Rejections return a result with
// nil Tokens rather than an error: the caller cannot distinguish a
// malformed token from a detected reuse, only telemetry can.
func (e *Engine) refresh(ctx context.Context, refreshToken string) (*SignInResult, error) {
	out := &SignInResult{Kind: KindRefreshTokens}

	tokenID, sessionID, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshInvalid)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrInvalidRefreshToken, func() map[string]string {
			return map[string]string{"reason": "malformed"}
		})
		return out, nil
	}

	childID, err := internal.NewID()
	if err != nil {
		return nil, err
	}

	res, err := e.store.Rotate(ctx, tokenID, sessionID, childID.String(), e.now(),
		e.config.Session.ReuseGrace,
		e.config.Session.InactivityWindow,
		e.config.Session.AbsoluteLifetime,
	)
	if err != nil {
		return nil, err
	}

	switch res.Status {
	case store.RotateOK:
		pair, err := e.buildTokenPair(res.UserID, sessionID, res.TokenID, res.TokenExpiresAt)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricRefreshSuccess)
		e.emitAudit(ctx, auditEventRefreshSuccess, true, res.UserID, sessionID, "", nil, func() map[string]string {
			if res.Reissued {
				return map[string]string{"reissued": "true"}
			}
			return nil
		})
		out.Tokens = pair
		return out, nil

	case store.RotateReused:
		e.metricInc(MetricRefreshReuseDetected)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshReuse, false, "", sessionID, "", nil, func() map[string]string {
			return map[string]string{"invalidated": strconv.Itoa(res.Invalidated)}
		})
		e.log().Warn("refresh token reuse detected",
			zap.String("session_id", sessionID),
			zap.Int("invalidated", res.Invalidated),
		)
		return out, nil

	default:
		e.metricInc(MetricRefreshInvalid)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, "", ErrInvalidRefreshToken, func() map[string]string {
			return map[string]string{"reason": res.Reason}
		})
		return out, nil
	}
}

// Refresh rotates a refresh token outside the SignIn surface. Unlike
// [Engine.SignIn] it reports rejection as [ErrInvalidRefreshToken]
// instead of a nil pair.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	res, err := e.refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if res.Tokens == nil {
		return nil, ErrInvalidRefreshToken
	}
	return res.Tokens, nil
}

// SignOut deletes the session and its whole refresh token tree. It
// returns nil when the session was already gone, so repeated sign-outs
// are harmless.
func (e *Engine) SignOut(ctx context.Context, sessionID string) (*SignOutReceipt, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	userID, found, err := e.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	e.metricInc(MetricSignOut)
	e.emitAudit(ctx, auditEventSignOut, true, userID, sessionID, "", nil, nil)
	return &SignOutReceipt{UserID: userID, SessionID: sessionID}, nil
}

// SignOutAll deletes every session of the user and returns how many
// existed.
func (e *Engine) SignOutAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}

	n, err := e.store.DeleteAllSessionsForUser(ctx, userID)
	if err != nil {
		return n, err
	}

	e.metricInc(MetricSignOutAll)
	e.emitAudit(ctx, auditEventSignOutAll, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(n)}
	})
	return n, nil
}

// VerifyAccessToken checks signature and claims locally, without
// touching Redis. Session revocation therefore takes effect on the
// refresh boundary, not mid-lifetime of an access token.
func (e *Engine) VerifyAccessToken(ctx context.Context, accessToken string) (*Identity, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	claims, err := e.tokens.ParseAccess(accessToken)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	}
	if err != nil {
		return nil, wrapSentinel(ErrInvalidAccessToken, err)
	}

	identity := &Identity{
		UserID:    claims.UID,
		SessionID: claims.SID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// Sessions lists the ids of the user's live sessions.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]string, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	return e.store.SessionIDsForUser(ctx, userID)
}

// UserByID loads one user record.
func (e *Engine) UserByID(ctx context.Context, userID string) (*User, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	return e.store.UserByID(ctx, userID)
}

// AccountsByUser lists the provider accounts linked to a user.
func (e *Engine) AccountsByUser(ctx context.Context, userID string) ([]*Account, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	return e.store.AccountsByUser(ctx, userID)
}

// UnlinkAccount detaches a provider account from its user. The user's
// sessions survive; only the sign-in method disappears.
func (e *Engine) UnlinkAccount(ctx context.Context, userID, accountID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	account, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidAccountID
		}
		return err
	}
	if account.UserID != userID {
		return ErrInvalidAccountID
	}

	if err := e.store.UnlinkAccount(ctx, accountID); err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventAccountUnlinked, true, userID, "", account.Provider, nil, func() map[string]string {
		return map[string]string{"account_id": accountID}
	})
	return nil
}

// createSession opens a session and mints its root refresh token. The
// returned token has not been exposed to any client yet.
func (e *Engine) createSession(ctx context.Context, userID string) (*store.Session, *store.RefreshToken, error) {
	now := e.now()

	sessionID, err := internal.NewID()
	if err != nil {
		return nil, nil, err
	}
	rootID, err := internal.NewID()
	if err != nil {
		return nil, nil, err
	}

	expires := now.Add(e.config.Session.InactivityWindow)
	if limit := now.Add(e.config.Session.AbsoluteLifetime); expires.After(limit) {
		expires = limit
	}

	sess := &store.Session{
		ID:        sessionID.String(),
		UserID:    userID,
		CreatedAt: now.Unix(),
		ExpiresAt: expires.Unix(),
	}
	if err := e.store.CreateSession(ctx, sess, now); err != nil {
		return nil, nil, err
	}

	root := &store.RefreshToken{
		ID:        rootID.String(),
		SessionID: sess.ID,
		ExpiresAt: expires.Unix(),
		CreatedAt: now.Unix(),
	}
	if err := e.store.MintRootToken(ctx, root, now); err != nil {
		return nil, nil, err
	}

	e.metricInc(MetricSessionCreated)
	return sess, root, nil
}

// requireSession resolves a session id presented by an already
// authenticated caller, rejecting missing and expired sessions alike.
func (e *Engine) requireSession(ctx context.Context, sessionID string) (*store.Session, error) {
	if sessionID == "" {
		return nil, errMissingParam("sessionId")
	}
	sess, err := e.store.SessionByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}
	if sess.ExpiresAt <= e.now().Unix() {
		return nil, ErrInvalidSession
	}
	return sess, nil
}

// buildTokenPair signs an access token and encodes the refresh wire
// form for an already persisted refresh token.
func (e *Engine) buildTokenPair(userID, sessionID, tokenID string, tokenExpiresAt int64) (*TokenPair, error) {
	access, err := e.tokens.CreateAccess(userID, sessionID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     internal.EncodeRefreshToken(tokenID, sessionID),
		AccessExpiresAt:  e.now().Add(e.config.Token.AccessTTL),
		RefreshExpiresAt: time.Unix(tokenExpiresAt, 0),
	}, nil
}

// signedIn mints a fresh session plus token pair for the user. Every
// completed first-factor flow funnels through here.
func (e *Engine) signedIn(ctx context.Context, userID, accountID string) (*SignInResult, error) {
	sess, root, err := e.createSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	pair, err := e.buildTokenPair(userID, sess.ID, root.ID, root.ExpiresAt)
	if err != nil {
		return nil, err
	}

	return &SignInResult{
		Kind: KindSignedIn,
		SignedIn: &SignedInResult{
			UserID:    userID,
			SessionID: sess.ID,
			AccountID: accountID,
			Tokens:    pair,
		},
	}, nil
}
