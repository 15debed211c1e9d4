package authcore

import (
	"context"
	"encoding/json"
	"time"
)

// ResultKind names the populated variant of a [SignInResult].
type ResultKind string

const (
	// KindSignedIn carries a completed authentication.
	KindSignedIn ResultKind = "signedIn"
	// KindRefreshTokens carries the outcome of a rotation. A nil Tokens
	// field means the rotation was rejected.
	KindRefreshTokens ResultKind = "refreshTokens"
	// KindStarted acknowledges a dispatched verification code.
	KindStarted ResultKind = "started"
	// KindRedirect carries an OAuth authorization URL.
	KindRedirect ResultKind = "redirect"
	// KindPasskeyOptions carries WebAuthn ceremony options.
	KindPasskeyOptions ResultKind = "passkeyOptions"
	// KindTOTPRequired signals that the first factor passed and a
	// second factor code is awaited.
	KindTOTPRequired ResultKind = "totpRequired"
	// KindTOTPSetup carries a freshly generated authenticator secret
	// awaiting its confirming code.
	KindTOTPSetup ResultKind = "totpSetup"
	// KindDeviceCode carries a started device authorization.
	KindDeviceCode ResultKind = "deviceCode"
)

// SignInRequest is the payload of [Engine.SignIn], the single entry
// point for every authentication flow.
//
// Routing looks at three fields in order: a RefreshToken with no
// Provider requests rotation; a Params["code"] with no Provider
// completes the pending flow named by Verifier; otherwise Provider
// selects the handler.
type SignInRequest struct {
	// Provider is the registered id of the handler, such as "password",
	// "email" or "github".
	Provider string
	// Params carries provider-specific string inputs. Common keys are
	// "identifier", "password", "destination", "code", "state",
	// "response" and "deviceCode".
	Params map[string]string
	// AccountID optionally pins the flow to one known account instead
	// of resolving it from Params.
	AccountID string
	// Verifier resumes a pending multi-step flow. Verifiers are single
	// use and expire on their own.
	Verifier string
	// RefreshToken requests rotation when Provider is empty.
	RefreshToken string
	// SessionID names the caller's current authenticated session, when
	// there is one. Account linking and step-up flows depend on it;
	// anonymous sign-ins leave it empty.
	SessionID string
}

// TokenPair is one issued access and refresh token.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// SignedInResult is a completed authentication.
type SignedInResult struct {
	UserID    string
	SessionID string
	// AccountID is the provider account that authenticated, empty for
	// flows that attach to the user directly.
	AccountID string
	// Tokens is nil when the flow completed against an already
	// authenticated session instead of minting a new one.
	Tokens *TokenPair
}

// StartedResult acknowledges that a verification code was dispatched.
// The code itself never appears in results.
type StartedResult struct {
	Destination string
	Verifier    string
	ExpiresAt   time.Time
}

// RedirectResult tells the caller where to send the user for an OAuth
// authorization. The verifier must come back with the callback.
type RedirectResult struct {
	URL      string
	Verifier string
}

// PasskeyOptionsResult carries WebAuthn ceremony options for the
// browser credential API, opaque to the engine.
type PasskeyOptionsResult struct {
	Options  json.RawMessage
	Verifier string
}

// TOTPRequiredResult signals that the password was correct but the
// account requires a second factor. Tokens are withheld until the
// authenticator code arrives under the same verifier.
type TOTPRequiredResult struct {
	Verifier string
}

// TOTPSetupResult carries a generated authenticator secret. The secret
// is not active until a valid code confirms it.
type TOTPSetupResult struct {
	Secret string
	URI    string
	// QRCode is the provisioning URI rendered as a PNG.
	QRCode   []byte
	Verifier string
}

// DeviceCodeResult is a started device authorization, shaped after the
// RFC 8628 device authorization response.
type DeviceCodeResult struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	// ExpiresIn and Interval are in seconds.
	ExpiresIn int
	Interval  int
}

// SignInResult is the closed union returned by [Engine.SignIn]. Exactly
// the variant named by Kind is populated, except that a rejected
// rotation returns KindRefreshTokens with a nil Tokens field.
type SignInResult struct {
	Kind ResultKind

	SignedIn       *SignedInResult
	Tokens         *TokenPair
	Started        *StartedResult
	Redirect       *RedirectResult
	PasskeyOptions *PasskeyOptionsResult
	TOTPRequired   *TOTPRequiredResult
	TOTPSetup      *TOTPSetupResult
	DeviceCode     *DeviceCodeResult
}

// SignOutReceipt identifies what a sign-out removed. [Engine.SignOut]
// returns nil for sessions that were already gone.
type SignOutReceipt struct {
	UserID    string
	SessionID string
}

// Identity is the verified subject of an access token.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// DeliveryMessage is one verification code dispatch.
type DeliveryMessage struct {
	Provider    string
	Destination string
	// Code is the plaintext code or link token. The engine keeps only a
	// hash; this copy exists solely so it can reach the user.
	Code string
	// Purpose is "sign-in" or "reset".
	Purpose   string
	ExpiresAt time.Time
}

// Delivery carries verification codes to their destination, typically
// over email or SMS. A send failure fails the operation that needed it;
// nothing is persisted optimistically on the assumption delivery will
// succeed later.
type Delivery interface {
	SendVerification(ctx context.Context, msg DeliveryMessage) error
}

// OAuthProfile is the subject identity obtained after code exchange.
type OAuthProfile struct {
	// ProviderAccountID is the provider's stable subject id. Exchanges
	// that cannot produce one are rejected.
	ProviderAccountID string
	Email             string
	// EmailVerified reflects the provider's own claim. Only verified
	// emails participate in account linking.
	EmailVerified bool
	Name          string
}

// OAuthExchanger talks to OAuth authorization servers. The engine owns
// state and PKCE handling; the exchanger owns endpoints, client
// credentials and profile mapping.
type OAuthExchanger interface {
	// AuthorizationURL builds the redirect URL for the named provider.
	// pkceVerifier is empty when the flow runs without PKCE.
	AuthorizationURL(provider, state, pkceVerifier string, scopes []string) (string, error)
	// Exchange swaps an authorization code for tokens and resolves the
	// subject profile. It must not be called before the state check
	// passed.
	Exchange(ctx context.Context, provider, code, pkceVerifier string) (*OAuthProfile, error)
}

// PasskeyUser is the relying party's view of a user during a ceremony.
type PasskeyUser struct {
	ID          string
	Name        string
	DisplayName string
}

// PasskeyCredential is a stored WebAuthn credential in transport
// neutral form.
type PasskeyCredential struct {
	ID         string
	PublicKey  []byte
	SignCount  uint32
	Transports []string
}

// PasskeyVerifier runs WebAuthn ceremonies. The session blob returned
// by a Begin call is opaque ceremony state; the engine stores it behind
// a verifier and hands it back to the matching Finish call.
type PasskeyVerifier interface {
	BeginRegistration(ctx context.Context, user PasskeyUser, existing []PasskeyCredential) (options json.RawMessage, session []byte, err error)
	FinishRegistration(ctx context.Context, user PasskeyUser, session []byte, response []byte) (*PasskeyCredential, error)
	// BeginLogin starts a discoverable credential assertion; the user
	// is not known until the authenticator answers.
	BeginLogin(ctx context.Context) (options json.RawMessage, session []byte, err error)
	// FinishLogin verifies the assertion, resolving the credential
	// through lookup. It returns the asserted credential id and the
	// authenticator's reported signature counter.
	FinishLogin(ctx context.Context, session []byte, response []byte, lookup func(credentialID string) (PasskeyUser, *PasskeyCredential, error)) (credentialID string, signCount uint32, err error)
}
