package authcore

import (
	"context"
	"strings"

	"github.com/robelest/authcore/store"
)

// User and Account re-export the persisted model types that appear on
// the engine's public surface.
type User = store.User

// Account is a provider account bound to a user.
type Account = store.Account

// providerKind discriminates provider configurations during dispatch.
type providerKind uint8

const (
	kindCredentials providerKind = iota
	kindAnonymous
	kindEmail
	kindPhone
	kindOAuth
	kindPasskey
	kindTOTP
	kindDevice
)

// Provider is one registered way to sign in. The set of implementations
// is closed: the engine dispatches over the concrete types declared in
// this package and the builder rejects anything else.
type Provider interface {
	// ID is the identifier requests select the provider by. Ids must be
	// unique across the registered set.
	ID() string

	kind() providerKind
}

// Registration describes the user and account pair to create on a
// first sign-in. The engine hashes Secret, applies the linking policy
// and assigns ids.
type Registration struct {
	ProviderAccountID string
	Secret            string
	Email             string
	Phone             string
	Name              string
	EmailVerified     bool
	PhoneVerified     bool
	Anonymous         bool
}

// Authorization is a successful credentials decision.
type Authorization struct {
	UserID    string
	AccountID string
}

// CredentialTools exposes the engine primitives an Authorize function
// may use. Every secret comparison runs behind the rate limiter.
type CredentialTools interface {
	// LookupAccount resolves this provider's account by its external
	// identifier. Absent accounts return (nil, nil).
	LookupAccount(ctx context.Context, providerAccountID string) (*Account, error)
	// CheckSecret verifies plaintext against the account's stored hash.
	// When the attempt budget is spent it returns
	// [ErrTooManyFailedAttempts] without touching the hash.
	CheckSecret(ctx context.Context, account *Account, secret string) error
	// Register creates the user and account for a first sign-in.
	Register(ctx context.Context, reg Registration) (*Authorization, error)
}

// CredentialsProvider authenticates through a caller-supplied Authorize
// function. [NewPasswordProvider] is the standard instance; custom ones
// can wrap legacy credential checks while the engine keeps ownership of
// sessions, rate limiting and linking.
type CredentialsProvider struct {
	// Name defaults to "credentials".
	Name string
	// Authorize decides whether params prove control of an account.
	Authorize func(ctx context.Context, params map[string]string, tools CredentialTools) (*Authorization, error)
}

// ID returns the provider id.
func (p *CredentialsProvider) ID() string {
	if p.Name == "" {
		return "credentials"
	}
	return p.Name
}

func (*CredentialsProvider) kind() providerKind { return kindCredentials }

// NewPasswordProvider returns the standard password provider. The
// "identifier" parameter doubles as the provider account id: an unknown
// identifier signs up with the presented password, a known one must
// match the stored hash. Identifiers containing "@" are recorded as the
// account's email, unverified until an email flow proves it.
func NewPasswordProvider() *CredentialsProvider {
	return &CredentialsProvider{
		Name: "password",
		Authorize: func(ctx context.Context, params map[string]string, tools CredentialTools) (*Authorization, error) {
			identifier := params["identifier"]
			secret := params["password"]
			if identifier == "" || secret == "" {
				return nil, ErrMissingRequiredParam
			}

			account, err := tools.LookupAccount(ctx, identifier)
			if err != nil {
				return nil, err
			}

			if account == nil {
				reg := Registration{
					ProviderAccountID: identifier,
					Secret:            secret,
					Name:              params["name"],
				}
				if strings.ContainsRune(identifier, '@') {
					reg.Email = identifier
				}
				return tools.Register(ctx, reg)
			}

			if err := tools.CheckSecret(ctx, account, secret); err != nil {
				return nil, err
			}

			return &Authorization{UserID: account.UserID, AccountID: account.ID}, nil
		},
	}
}

// AnonymousProvider creates a fresh guest user on every sign-in.
// Anonymous users gain a durable identity when a later verified flow
// links onto them.
type AnonymousProvider struct {
	// Name defaults to "anonymous".
	Name string
}

// ID returns the provider id.
func (p *AnonymousProvider) ID() string {
	if p.Name == "" {
		return "anonymous"
	}
	return p.Name
}

func (*AnonymousProvider) kind() providerKind { return kindAnonymous }

// EmailProvider signs users in with one-time codes sent to an email
// address. Completing a code proves ownership of the destination, so
// accounts created here start out verified.
type EmailProvider struct {
	// Name defaults to "email".
	Name string
	// Link issues a long magic-link token instead of a short numeric
	// code.
	Link bool
}

// ID returns the provider id.
func (p *EmailProvider) ID() string {
	if p.Name == "" {
		return "email"
	}
	return p.Name
}

func (*EmailProvider) kind() providerKind { return kindEmail }

// PhoneProvider signs users in with one-time codes sent over SMS.
type PhoneProvider struct {
	// Name defaults to "phone".
	Name string
}

// ID returns the provider id.
func (p *PhoneProvider) ID() string {
	if p.Name == "" {
		return "phone"
	}
	return p.Name
}

func (*PhoneProvider) kind() providerKind { return kindPhone }

// OAuthProvider runs the authorization code flow against the remote
// named by Name. Endpoints and client credentials live in the engine's
// [OAuthExchanger]; the provider only declares that the remote exists
// and what to ask of it.
type OAuthProvider struct {
	// Name is the remote's id as known to the exchanger, such as
	// "github" or "google". Required.
	Name   string
	Scopes []string
	// PKCE adds a code challenge to the authorization request.
	PKCE bool
}

// ID returns the provider id.
func (p *OAuthProvider) ID() string { return p.Name }

func (*OAuthProvider) kind() providerKind { return kindOAuth }

// PasskeyProvider signs users in with WebAuthn credentials and lets
// authenticated users register new ones.
type PasskeyProvider struct {
	// Name defaults to "passkey".
	Name string
}

// ID returns the provider id.
func (p *PasskeyProvider) ID() string {
	if p.Name == "" {
		return "passkey"
	}
	return p.Name
}

func (*PasskeyProvider) kind() providerKind { return kindPasskey }

// TOTPProvider verifies authenticator app codes, both as the second
// factor of a pending sign-in and for enrollment.
type TOTPProvider struct {
	// Name defaults to "totp".
	Name string
}

// ID returns the provider id.
func (p *TOTPProvider) ID() string {
	if p.Name == "" {
		return "totp"
	}
	return p.Name
}

func (*TOTPProvider) kind() providerKind { return kindTOTP }

// DeviceProvider implements the RFC 8628 device authorization grant for
// input-constrained clients.
type DeviceProvider struct {
	// Name defaults to "device".
	Name string
	// VerificationURI overrides the engine-wide URI for this provider.
	VerificationURI string
}

// ID returns the provider id.
func (p *DeviceProvider) ID() string {
	if p.Name == "" {
		return "device"
	}
	return p.Name
}

func (*DeviceProvider) kind() providerKind { return kindDevice }
