package webauthn

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/robelest/authcore"
)

// Config identifies the relying party.
type Config struct {
	// RPID is the relying party id, normally the site's registrable
	// domain.
	RPID          string
	RPDisplayName string
	// RPOrigins lists the web origins ceremonies may come from.
	RPOrigins []string
}

// Verifier runs WebAuthn ceremonies for the engine. It is stateless;
// ceremony state lives in the session blobs it hands out.
type Verifier struct {
	wa *webauthn.WebAuthn
}

// New builds a Verifier for the given relying party.
func New(cfg Config) (*Verifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn: invalid relying party config: %w", err)
	}
	return &Verifier{wa: wa}, nil
}

// BeginRegistration starts a credential creation ceremony. Existing
// credentials are sent as exclusions so an authenticator refuses to
// enroll twice.
func (v *Verifier) BeginRegistration(ctx context.Context, user authcore.PasskeyUser, existing []authcore.PasskeyCredential) (json.RawMessage, []byte, error) {
	u := &ceremonyUser{user: user}
	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, c := range existing {
		cred, err := toLibraryCredential(c)
		if err != nil {
			return nil, nil, err
		}
		u.creds = append(u.creds, cred)
		exclusions = append(exclusions, cred.Descriptor())
	}

	var opts []webauthn.RegistrationOption
	if len(exclusions) > 0 {
		opts = append(opts, webauthn.WithExclusions(exclusions))
	}
	creation, sd, err := v.wa.BeginRegistration(u, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("webauthn: begin registration: %w", err)
	}
	return marshalCeremony(creation, sd)
}

// FinishRegistration verifies an attestation response and returns the
// new credential.
func (v *Verifier) FinishRegistration(ctx context.Context, user authcore.PasskeyUser, session []byte, response []byte) (*authcore.PasskeyCredential, error) {
	sd, err := unmarshalSession(session)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("webauthn: parse attestation response: %w", err)
	}
	cred, err := v.wa.CreateCredential(&ceremonyUser{user: user}, sd, parsed)
	if err != nil {
		return nil, fmt.Errorf("webauthn: verify attestation: %w", err)
	}
	return fromLibraryCredential(cred), nil
}

// BeginLogin starts a discoverable credential assertion. No user is
// named; the authenticator's response identifies one.
func (v *Verifier) BeginLogin(ctx context.Context) (json.RawMessage, []byte, error) {
	assertion, sd, err := v.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, nil, fmt.Errorf("webauthn: begin login: %w", err)
	}
	return marshalCeremony(assertion, sd)
}

// FinishLogin verifies an assertion response, resolving the asserted
// credential through lookup. The returned sign count is the
// authenticator's reported value, not yet committed anywhere.
func (v *Verifier) FinishLogin(ctx context.Context, session []byte, response []byte, lookup func(credentialID string) (authcore.PasskeyUser, *authcore.PasskeyCredential, error)) (string, uint32, error) {
	sd, err := unmarshalSession(session)
	if err != nil {
		return "", 0, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return "", 0, fmt.Errorf("webauthn: parse assertion response: %w", err)
	}

	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		user, cred, err := lookup(encodeCredentialID(rawID))
		if err != nil {
			return nil, err
		}
		lc, err := toLibraryCredential(*cred)
		if err != nil {
			return nil, err
		}
		return &ceremonyUser{user: user, creds: []webauthn.Credential{lc}}, nil
	}
	cred, err := v.wa.ValidateDiscoverableLogin(handler, sd, parsed)
	if err != nil {
		return "", 0, fmt.Errorf("webauthn: verify assertion: %w", err)
	}
	return encodeCredentialID(cred.ID), cred.Authenticator.SignCount, nil
}

func marshalCeremony(options any, sd *webauthn.SessionData) (json.RawMessage, []byte, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("webauthn: encode ceremony options: %w", err)
	}
	blob, err := json.Marshal(sd)
	if err != nil {
		return nil, nil, fmt.Errorf("webauthn: encode ceremony state: %w", err)
	}
	return opts, blob, nil
}

func unmarshalSession(blob []byte) (webauthn.SessionData, error) {
	var sd webauthn.SessionData
	if err := json.Unmarshal(blob, &sd); err != nil {
		return sd, fmt.Errorf("webauthn: decode ceremony state: %w", err)
	}
	return sd, nil
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func toLibraryCredential(c authcore.PasskeyCredential) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("webauthn: malformed credential id %q: %w", c.ID, err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: c.PublicKey,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: c.SignCount,
		},
	}, nil
}

func fromLibraryCredential(c *webauthn.Credential) *authcore.PasskeyCredential {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &authcore.PasskeyCredential{
		ID:         encodeCredentialID(c.ID),
		PublicKey:  c.PublicKey,
		SignCount:  c.Authenticator.SignCount,
		Transports: transports,
	}
}

// ceremonyUser adapts the engine's view of a user to the library's.
// WebAuthnID doubles as the user handle authenticators store, so it
// must be stable across registration and login.
type ceremonyUser struct {
	user  authcore.PasskeyUser
	creds []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *ceremonyUser) WebAuthnName() string                       { return u.user.Name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// WebAuthnIcon is required by the library's User interface; icons are
// deprecated by the spec and never used in ceremonies.
func (u *ceremonyUser) WebAuthnIcon() string { return "" }
