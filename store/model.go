package store

// User is a durable identity. Users are created on first successful sign-in
// and are never deleted by the engine.
type User struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	EmailVerifiedAt int64
	PhoneVerifiedAt int64
	Anonymous       bool
	CreatedAt       int64
}

// Account binds one provider credential to a User. The (Provider,
// ProviderAccountID) pair is unique across the store.
type Account struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	SecretHash        string
	Email             string
	Phone             string
	EmailVerifiedAt   int64
	PhoneVerifiedAt   int64
	CreatedAt         int64
}

// Session is one authenticated device/browser lineage.
type Session struct {
	ID        string
	UserID    string
	CreatedAt int64
	ExpiresAt int64
}

// RefreshToken is one node in a session's rotation tree. FirstUsedAt zero
// means the token is still active; SuccessorID points at the child minted
// when the token was rotated, enabling idempotent re-issue inside the
// reuse-grace window.
type RefreshToken struct {
	ID          string
	SessionID   string
	ParentID    string
	ExpiresAt   int64
	FirstUsedAt int64
	SuccessorID string
	CreatedAt   int64
}

// CodePurpose tags what consuming a verification code means.
type CodePurpose string

const (
	CodePurposeSignIn CodePurpose = "sign-in"
	CodePurposeReset  CodePurpose = "reset"
)

// VerificationCode is a pending out-of-band code. Only the code's hash is
// stored; AccountKey identifies the pending account slot ("provider:dest")
// so a newer code can supersede this one.
type VerificationCode struct {
	CodeHash    string
	AccountKey  string
	Provider    string
	Purpose     CodePurpose
	Destination string
	VerifierID  string
	UserID      string
	ExpiresAt   int64
}

// VerifierPurpose tags which multi-step flow a verifier suspends.
type VerifierPurpose string

const (
	VerifierPurposeOAuth           VerifierPurpose = "oauth"
	VerifierPurposeCode            VerifierPurpose = "code"
	VerifierPurposePasskeyLogin    VerifierPurpose = "passkey-login"
	VerifierPurposePasskeyRegister VerifierPurpose = "passkey-register"
	VerifierPurposeTOTPLogin       VerifierPurpose = "totp-login"
	VerifierPurposeTOTPSetup       VerifierPurpose = "totp-setup"
)

// Verifier is the ephemeral correlator that suspends a multi-step flow
// across an external round trip. Signature holds a hash the resuming
// request must reproduce (OAuth state); Payload carries flow-specific
// state (PKCE verifier, WebAuthn session data, pending TOTP secret).
type Verifier struct {
	ID        string
	Provider  string
	Purpose   VerifierPurpose
	Signature string
	SessionID string
	UserID    string
	Payload   string
	Attempts  int
	ExpiresAt int64
}

// Passkey is a stored WebAuthn credential. SignCount advances monotonically
// on every successful assertion.
type Passkey struct {
	CredentialID string
	UserID       string
	PublicKey    []byte
	SignCount    uint32
	Transports   string
	CreatedAt    int64
}

// TOTPSecret is a user's enrolled time-based one-time-password secret.
// LastUsedStep records the highest accepted time step for replay protection.
type TOTPSecret struct {
	UserID       string
	Secret       []byte
	Digits       int
	Period       int
	Skew         int
	Algorithm    string
	Verified     bool
	LastUsedStep int64
	CreatedAt    int64
}

// APIKey is a long-lived bearer credential. Revoked keys are flagged, never
// deleted, so audits can still resolve them.
type APIKey struct {
	ID          string
	UserID      string
	Name        string
	SecretHash  string
	Fingerprint string
	Prefix      string
	ScopeMask   uint64
	Revoked     bool
	CreatedAt   int64
	ExpiresAt   int64
}

// DeviceStatus is the lifecycle state of a device authorization.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
)

// DeviceAuthorization is one RFC 8628 device-flow grant in progress.
type DeviceAuthorization struct {
	DeviceCode string
	UserCode   string
	Provider   string
	Status     DeviceStatus
	UserID     string
	Interval   int
	LastPollAt int64
	ExpiresAt  int64
}
