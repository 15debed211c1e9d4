package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// shared test plumbing
// ---------------------------------------------------------------------------

// newTestRedis starts an in-process redis and returns a client bound to
// it. Both are torn down with the test.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// testClock is an adjustable engine clock. Flows that depend on expiry,
// grace windows, or poll pacing advance it instead of sleeping.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1724500000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testConfig returns defaults tuned for tests: symmetric signing so no
// key generation is needed, and argon2 at its cost floor.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.SigningMethod = "hs256"
	cfg.Token.PrivateKey = []byte("test-secret")
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
	return cfg
}

// captureDelivery records dispatched verification messages so tests can
// read the plaintext code a real user would have received.
type captureDelivery struct {
	mu   sync.Mutex
	sent []DeliveryMessage
	fail error
}

func (d *captureDelivery) SendVerification(_ context.Context, msg DeliveryMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *captureDelivery) last(t *testing.T) DeliveryMessage {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		t.Fatal("no delivery message was sent")
	}
	return d.sent[len(d.sent)-1]
}

func (d *captureDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// newPasswordEngine builds an engine with only the password provider
// registered, on an adjustable clock.
func newPasswordEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	return newPasswordEngineConfig(t, testConfig())
}

func newPasswordEngineConfig(t *testing.T, cfg Config) (*Engine, *testClock) {
	t.Helper()
	_, client := newTestRedis(t)
	clock := newTestClock()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithProviders(NewPasswordProvider()).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, clock
}

func passwordRequest(identifier, password string) SignInRequest {
	return SignInRequest{
		Provider: "password",
		Params: map[string]string{
			"identifier": identifier,
			"password":   password,
		},
	}
}

// mustSignIn runs a request that must complete with a fresh session and
// token pair.
func mustSignIn(t *testing.T, e *Engine, req SignInRequest) *SignedInResult {
	t.Helper()
	res, err := e.SignIn(context.Background(), req)
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if res.Kind != KindSignedIn || res.SignedIn == nil {
		t.Fatalf("result kind = %q, want %q", res.Kind, KindSignedIn)
	}
	if res.SignedIn.Tokens == nil {
		t.Fatal("SignedIn.Tokens is nil, want a token pair")
	}
	return res.SignedIn
}

// ---------------------------------------------------------------------------
// password provider
// ---------------------------------------------------------------------------

func TestPasswordSignUpCreatesUserAndTokens(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	if signedIn.UserID == "" || signedIn.SessionID == "" || signedIn.AccountID == "" {
		t.Fatalf("incomplete result: %+v", signedIn)
	}

	identity, err := engine.VerifyAccessToken(ctx, signedIn.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if identity.UserID != signedIn.UserID || identity.SessionID != signedIn.SessionID {
		t.Errorf("identity = %+v, want user %s session %s", identity, signedIn.UserID, signedIn.SessionID)
	}

	user, err := engine.UserByID(ctx, signedIn.UserID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("user email = %q, want the sign-up identifier", user.Email)
	}

	accounts, err := engine.AccountsByUser(ctx, signedIn.UserID)
	if err != nil {
		t.Fatalf("AccountsByUser: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Provider != "password" {
		t.Fatalf("accounts = %+v, want one password account", accounts)
	}
}

func TestPasswordSignInExistingAccount(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	first := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	if _, err := engine.SignOut(ctx, first.SessionID); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	second := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	if second.UserID != first.UserID {
		t.Errorf("second sign-in resolved user %s, want %s", second.UserID, first.UserID)
	}
	if second.SessionID == first.SessionID {
		t.Error("second sign-in reused the old session id")
	}
}

func TestPasswordWrongSecret(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	res, err := engine.SignIn(ctx, passwordRequest("ada@example.com", "not the password"))
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("err = %v, want ErrInvalidSecret", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil on rejection", res)
	}
}

func TestPasswordMissingParams(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params map[string]string
	}{
		{"no password", map[string]string{"identifier": "ada@example.com"}},
		{"no identifier", map[string]string{"password": "correct horse battery"}},
		{"nothing", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.SignIn(ctx, SignInRequest{Provider: "password", Params: tc.params})
			if !errors.Is(err, ErrMissingRequiredParam) {
				t.Errorf("err = %v, want ErrMissingRequiredParam", err)
			}
		})
	}
}

func TestSignInUnknownProvider(t *testing.T) {
	engine, _ := newPasswordEngine(t)

	_, err := engine.SignIn(context.Background(), SignInRequest{Provider: "carrier-pigeon"})
	if !errors.Is(err, ErrUnsupportedProviderType) {
		t.Fatalf("err = %v, want ErrUnsupportedProviderType", err)
	}
}

func TestSignInEmptyRequest(t *testing.T) {
	engine, _ := newPasswordEngine(t)

	_, err := engine.SignIn(context.Background(), SignInRequest{})
	if !errors.Is(err, ErrMissingRequiredParam) {
		t.Fatalf("err = %v, want ErrMissingRequiredParam", err)
	}
}

func TestPasswordLockoutAfterRepeatedFailures(t *testing.T) {
	engine, clock := newPasswordEngine(t)
	ctx := context.Background()

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	for i := 0; i < 5; i++ {
		_, err := engine.SignIn(ctx, passwordRequest("ada@example.com", "not the password"))
		if !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidSecret", i+1, err)
		}
	}

	// The account is saturated. Even the right password is rejected
	// before any hash comparison happens.
	_, err := engine.SignIn(ctx, passwordRequest("ada@example.com", "correct horse battery"))
	if !errors.Is(err, ErrTooManyFailedAttempts) {
		t.Fatalf("err = %v, want ErrTooManyFailedAttempts", err)
	}

	// Once the backoff window passes, a probe attempt goes through and a
	// successful comparison clears the counter.
	clock.Advance(61 * time.Second)
	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
}

func TestLockoutDoesNotAffectOtherAccounts(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	mustSignIn(t, engine, passwordRequest("grace@example.com", "completely different"))

	for i := 0; i < 5; i++ {
		if _, err := engine.SignIn(ctx, passwordRequest("ada@example.com", "not the password")); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("attempt %d: err = %v, want ErrInvalidSecret", i+1, err)
		}
	}

	mustSignIn(t, engine, passwordRequest("grace@example.com", "completely different"))
}

// ---------------------------------------------------------------------------
// sessions and sign-out
// ---------------------------------------------------------------------------

func TestSignOutIdempotent(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	receipt, err := engine.SignOut(ctx, signedIn.SessionID)
	if err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if receipt == nil || receipt.UserID != signedIn.UserID || receipt.SessionID != signedIn.SessionID {
		t.Fatalf("receipt = %+v, want user %s session %s", receipt, signedIn.UserID, signedIn.SessionID)
	}

	receipt, err = engine.SignOut(ctx, signedIn.SessionID)
	if err != nil {
		t.Fatalf("second SignOut: %v", err)
	}
	if receipt != nil {
		t.Errorf("second receipt = %+v, want nil for an already gone session", receipt)
	}

	// The session's refresh token died with it.
	res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: signedIn.Tokens.RefreshToken})
	if err != nil {
		t.Fatalf("refresh after sign-out: %v", err)
	}
	if res.Kind != KindRefreshTokens || res.Tokens != nil {
		t.Errorf("refresh after sign-out returned %+v, want a rejected rotation", res)
	}
}

func TestSignOutAllCountsSessions(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	first := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	sessions, err := engine.Sessions(ctx, first.UserID)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len(sessions) = %d, want 3", len(sessions))
	}

	n, err := engine.SignOutAll(ctx, first.UserID)
	if err != nil {
		t.Fatalf("SignOutAll: %v", err)
	}
	if n != 3 {
		t.Errorf("SignOutAll removed %d sessions, want 3", n)
	}

	sessions, err = engine.Sessions(ctx, first.UserID)
	if err != nil {
		t.Fatalf("Sessions after SignOutAll: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d after SignOutAll, want 0", len(sessions))
	}

	n, err = engine.SignOutAll(ctx, first.UserID)
	if err != nil {
		t.Fatalf("second SignOutAll: %v", err)
	}
	if n != 0 {
		t.Errorf("second SignOutAll removed %d sessions, want 0", n)
	}
}

func TestSessionExpiresAfterInactivityWindow(t *testing.T) {
	engine, clock := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	clock.Advance(7*24*time.Hour + time.Minute)

	res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: signedIn.Tokens.RefreshToken})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Tokens != nil {
		t.Error("rotation succeeded on an expired session")
	}
}

// ---------------------------------------------------------------------------
// anonymous provider
// ---------------------------------------------------------------------------

func TestAnonymousSignIn(t *testing.T) {
	_, client := newTestRedis(t)
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(client).
		WithProviders(&AnonymousProvider{}).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, SignInRequest{Provider: "anonymous"})

	user, err := engine.UserByID(ctx, signedIn.UserID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if !user.Anonymous {
		t.Error("user is not flagged anonymous")
	}

	// Every anonymous sign-in is a distinct user.
	again := mustSignIn(t, engine, SignInRequest{Provider: "anonymous"})
	if again.UserID == signedIn.UserID {
		t.Error("two anonymous sign-ins resolved the same user")
	}
}

// ---------------------------------------------------------------------------
// access token verification
// ---------------------------------------------------------------------------

func TestVerifyAccessTokenRejectsGarbage(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := engine.VerifyAccessToken(ctx, token); !errors.Is(err, ErrInvalidAccessToken) {
			t.Errorf("VerifyAccessToken(%q) err = %v, want ErrInvalidAccessToken", token, err)
		}
	}
}

func TestVerifyAccessTokenRejectsForeignSignature(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	otherCfg := testConfig()
	otherCfg.Token.PrivateKey = []byte("a different secret")
	other, _ := newPasswordEngineConfig(t, otherCfg)

	signedIn := mustSignIn(t, other, passwordRequest("ada@example.com", "correct horse battery"))

	if _, err := engine.VerifyAccessToken(ctx, signedIn.Tokens.AccessToken); !errors.Is(err, ErrInvalidAccessToken) {
		t.Fatalf("err = %v, want ErrInvalidAccessToken for a foreign signature", err)
	}
}

// ---------------------------------------------------------------------------
// account management
// ---------------------------------------------------------------------------

func TestUnlinkAccount(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	other := mustSignIn(t, engine, passwordRequest("grace@example.com", "completely different"))

	if err := engine.UnlinkAccount(ctx, other.UserID, signedIn.AccountID); !errors.Is(err, ErrInvalidAccountID) {
		t.Fatalf("unlinking someone else's account: err = %v, want ErrInvalidAccountID", err)
	}

	if err := engine.UnlinkAccount(ctx, signedIn.UserID, signedIn.AccountID); err != nil {
		t.Fatalf("UnlinkAccount: %v", err)
	}

	accounts, err := engine.AccountsByUser(ctx, signedIn.UserID)
	if err != nil {
		t.Fatalf("AccountsByUser: %v", err)
	}
	if len(accounts) != 0 {
		t.Errorf("accounts = %+v after unlink, want none", accounts)
	}

	// The unlinked credential no longer signs in; the identifier is free
	// again and resolves to a brand new sign-up.
	fresh := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	if fresh.UserID == signedIn.UserID {
		t.Error("identifier still resolves to the unlinked user")
	}
}

func TestNilEngineIsNotReady(t *testing.T) {
	var engine *Engine
	ctx := context.Background()

	if _, err := engine.SignIn(ctx, SignInRequest{Provider: "password"}); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("SignIn on nil engine: err = %v, want ErrEngineNotReady", err)
	}
	if _, err := engine.VerifyAccessToken(ctx, "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("VerifyAccessToken on nil engine: err = %v, want ErrEngineNotReady", err)
	}
	if _, err := engine.Refresh(ctx, "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Errorf("Refresh on nil engine: err = %v, want ErrEngineNotReady", err)
	}
	engine.Close()
}
