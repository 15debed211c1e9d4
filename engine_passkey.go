package authcore

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

func (e *Engine) signInPasskey(ctx context.Context, p *PasskeyProvider, req SignInRequest) (*SignInResult, error) {
	if req.Params["response"] != "" {
		return e.passkeyFinish(ctx, p, req)
	}
	if req.Params["register"] == "true" {
		return e.passkeyBeginRegister(ctx, p, req)
	}
	return e.passkeyBeginLogin(ctx, p, req)
}

// passkeyBeginLogin starts a discoverable assertion. No user is known
// yet; the ceremony state rides in the verifier until the authenticator
// answers.
func (e *Engine) passkeyBeginLogin(ctx context.Context, p *PasskeyProvider, req SignInRequest) (*SignInResult, error) {
	options, session, err := e.passkeys.BeginLogin(ctx)
	if err != nil {
		return nil, e.passkeyFail(ctx, p, "", req.SessionID, err)
	}

	v, err := e.savePasskeyVerifier(ctx, p, store.VerifierPurposePasskeyLogin, "", req.SessionID, session)
	if err != nil {
		return nil, err
	}

	return &SignInResult{
		Kind: KindPasskeyOptions,
		PasskeyOptions: &PasskeyOptionsResult{
			Options:  options,
			Verifier: v.ID,
		},
	}, nil
}

// passkeyBeginRegister starts enrollment for the session's user. Unlike
// login this is an authenticated operation: a credential may only ever
// be added to the account that asked for it.
func (e *Engine) passkeyBeginRegister(ctx context.Context, p *PasskeyProvider, req SignInRequest) (*SignInResult, error) {
	sess, err := e.requireSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	user, err := e.store.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	stored, err := e.store.PasskeysByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	existing := make([]PasskeyCredential, 0, len(stored))
	for _, pk := range stored {
		existing = append(existing, passkeyCredentialOf(pk))
	}

	options, session, err := e.passkeys.BeginRegistration(ctx, passkeyUserOf(user), existing)
	if err != nil {
		return nil, e.passkeyFail(ctx, p, user.ID, req.SessionID, err)
	}

	v, err := e.savePasskeyVerifier(ctx, p, store.VerifierPurposePasskeyRegister, user.ID, req.SessionID, session)
	if err != nil {
		return nil, err
	}

	return &SignInResult{
		Kind: KindPasskeyOptions,
		PasskeyOptions: &PasskeyOptionsResult{
			Options:  options,
			Verifier: v.ID,
		},
	}, nil
}

func (e *Engine) passkeyFinish(ctx context.Context, p *PasskeyProvider, req SignInRequest) (*SignInResult, error) {
	if req.Verifier == "" {
		return nil, errMissingParam("verifier")
	}

	v, err := e.store.TakeVerifier(ctx, req.Verifier, e.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return nil, e.passkeyFail(ctx, p, "", req.SessionID, ErrVerifierExpired)
		}
		return nil, err
	}
	if v.Provider != p.ID() {
		return nil, e.passkeyFail(ctx, p, "", req.SessionID, ErrVerifierExpired)
	}

	session, err := base64.StdEncoding.DecodeString(v.Payload)
	if err != nil {
		return nil, e.passkeyFail(ctx, p, "", req.SessionID, ErrVerifierExpired)
	}
	response := []byte(req.Params["response"])

	switch v.Purpose {
	case store.VerifierPurposePasskeyLogin:
		return e.passkeyFinishLogin(ctx, p, v, session, response, req)
	case store.VerifierPurposePasskeyRegister:
		return e.passkeyFinishRegister(ctx, p, v, session, response)
	default:
		return nil, e.passkeyFail(ctx, p, "", req.SessionID, ErrVerifierExpired)
	}
}

func (e *Engine) passkeyFinishLogin(ctx context.Context, p *PasskeyProvider, v *store.Verifier, session, response []byte, req SignInRequest) (*SignInResult, error) {
	var owner string
	lookup := func(credentialID string) (PasskeyUser, *PasskeyCredential, error) {
		pk, err := e.store.PasskeyByCredentialID(ctx, credentialID)
		if err != nil {
			return PasskeyUser{}, nil, err
		}
		user, err := e.store.UserByID(ctx, pk.UserID)
		if err != nil {
			return PasskeyUser{}, nil, err
		}
		owner = user.ID
		cred := passkeyCredentialOf(pk)
		return passkeyUserOf(user), &cred, nil
	}

	credentialID, signCount, err := e.passkeys.FinishLogin(ctx, session, response, lookup)
	if err != nil {
		return nil, e.passkeyFail(ctx, p, "", req.SessionID, wrapSentinel(ErrInvalidSecret, err))
	}

	// Committing the counter is what actually accepts the assertion. A
	// counter that failed to advance means a second authenticator holds
	// the same private key.
	if err := e.store.AdvancePasskeySignCount(ctx, credentialID, signCount); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, e.passkeyFail(ctx, p, owner, req.SessionID, ErrPasskeyCounterRegression)
		}
		return nil, err
	}

	if err := e.reconcileSession(ctx, req.SessionID, owner); err != nil {
		return nil, err
	}

	res, err := e.signedIn(ctx, owner, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricPasskeyLogin)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventPasskeyLogin, true, owner, res.SignedIn.SessionID, p.ID(), nil, nil)
	return res, nil
}

func (e *Engine) passkeyFinishRegister(ctx context.Context, p *PasskeyProvider, v *store.Verifier, session, response []byte) (*SignInResult, error) {
	user, err := e.store.UserByID(ctx, v.UserID)
	if err != nil {
		return nil, err
	}

	cred, err := e.passkeys.FinishRegistration(ctx, passkeyUserOf(user), session, response)
	if err != nil {
		return nil, e.passkeyFail(ctx, p, user.ID, v.SessionID, wrapSentinel(ErrInvalidSecret, err))
	}

	if err := e.store.SavePasskey(ctx, &store.Passkey{
		CredentialID: cred.ID,
		UserID:       user.ID,
		PublicKey:    cred.PublicKey,
		SignCount:    cred.SignCount,
		Transports:   strings.Join(cred.Transports, ","),
		CreatedAt:    e.now().Unix(),
	}); err != nil {
		return nil, err
	}

	e.metricInc(MetricPasskeyRegistered)
	e.emitAudit(ctx, auditEventPasskeyRegistered, true, user.ID, v.SessionID, p.ID(), nil, nil)

	// Enrollment happened inside an existing session, so no tokens are
	// minted here.
	return &SignInResult{
		Kind: KindSignedIn,
		SignedIn: &SignedInResult{
			UserID:    user.ID,
			SessionID: v.SessionID,
		},
	}, nil
}

func (e *Engine) savePasskeyVerifier(ctx context.Context, p *PasskeyProvider, purpose store.VerifierPurpose, userID, sessionID string, session []byte) (*store.Verifier, error) {
	now := e.now()

	id, err := internal.NewID()
	if err != nil {
		return nil, err
	}
	v := &store.Verifier{
		ID:        id.String(),
		Provider:  p.ID(),
		Purpose:   purpose,
		UserID:    userID,
		SessionID: sessionID,
		Payload:   base64.StdEncoding.EncodeToString(session),
		ExpiresAt: now.Add(e.config.WebAuthn.ChallengeTTL).Unix(),
	}
	if err := e.store.SaveVerifier(ctx, v, now); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) passkeyFail(ctx context.Context, p *PasskeyProvider, userID, sessionID string, err error) error {
	e.metricInc(MetricPasskeyFailure)
	e.emitAudit(ctx, auditEventPasskeyFailure, false, userID, sessionID, p.ID(), err, nil)
	return err
}

func passkeyUserOf(u *store.User) PasskeyUser {
	name := u.Email
	if name == "" {
		name = u.Phone
	}
	if name == "" {
		name = u.ID
	}
	display := u.Name
	if display == "" {
		display = name
	}
	return PasskeyUser{ID: u.ID, Name: name, DisplayName: display}
}

func passkeyCredentialOf(pk *store.Passkey) PasskeyCredential {
	var transports []string
	if pk.Transports != "" {
		transports = strings.Split(pk.Transports, ",")
	}
	return PasskeyCredential{
		ID:         pk.CredentialID,
		PublicKey:  pk.PublicKey,
		SignCount:  pk.SignCount,
		Transports: transports,
	}
}
