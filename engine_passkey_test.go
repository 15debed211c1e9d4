package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePasskeyVerifier plays authenticator and relying party in one. Its
// assertion wire format is "credentialID:signCount"; ceremony state from
// a Begin call must come back to the matching Finish verbatim.
type fakePasskeyVerifier struct {
	mu         sync.Mutex
	ceremonies int
}

func (f *fakePasskeyVerifier) nextSession(kind string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ceremonies++
	return []byte(fmt.Sprintf("%s:%d", kind, f.ceremonies))
}

func (f *fakePasskeyVerifier) BeginRegistration(_ context.Context, user PasskeyUser, existing []PasskeyCredential) (json.RawMessage, []byte, error) {
	session := f.nextSession("register:" + user.ID)
	options, _ := json.Marshal(map[string]any{
		"challenge": string(session),
		"exclude":   len(existing),
	})
	return options, session, nil
}

func (f *fakePasskeyVerifier) FinishRegistration(_ context.Context, user PasskeyUser, session []byte, response []byte) (*PasskeyCredential, error) {
	if !bytes.HasPrefix(session, []byte("register:"+user.ID+":")) {
		return nil, errors.New("ceremony state does not belong to this user")
	}
	id, count, err := parseFakeAssertion(string(response))
	if err != nil {
		return nil, err
	}
	return &PasskeyCredential{
		ID:         id,
		PublicKey:  []byte("cose-public-key"),
		SignCount:  count,
		Transports: []string{"internal"},
	}, nil
}

func (f *fakePasskeyVerifier) BeginLogin(_ context.Context) (json.RawMessage, []byte, error) {
	session := f.nextSession("login")
	options, _ := json.Marshal(map[string]any{"challenge": string(session)})
	return options, session, nil
}

func (f *fakePasskeyVerifier) FinishLogin(_ context.Context, session []byte, response []byte, lookup func(string) (PasskeyUser, *PasskeyCredential, error)) (string, uint32, error) {
	if !bytes.HasPrefix(session, []byte("login:")) {
		return "", 0, errors.New("ceremony state is not a login challenge")
	}
	id, count, err := parseFakeAssertion(string(response))
	if err != nil {
		return "", 0, err
	}
	if _, _, err := lookup(id); err != nil {
		return "", 0, err
	}
	return id, count, nil
}

func parseFakeAssertion(v string) (string, uint32, error) {
	id, countRaw, ok := strings.Cut(v, ":")
	if !ok || id == "" {
		return "", 0, errors.New("malformed assertion")
	}
	n, err := strconv.ParseUint(countRaw, 10, 32)
	if err != nil {
		return "", 0, err
	}
	return id, uint32(n), nil
}

func newPasskeyEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	_, client := newTestRedis(t)
	clock := newTestClock()
	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(client).
		WithProviders(NewPasswordProvider(), &PasskeyProvider{}).
		WithPasskeyVerifier(&fakePasskeyVerifier{}).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, clock
}

// registerPasskey enrolls a credential for the signed-in session.
func registerPasskey(t *testing.T, e *Engine, sessionID, assertion string) {
	t.Helper()
	ctx := context.Background()

	begin, err := e.SignIn(ctx, SignInRequest{
		Provider:  "passkey",
		SessionID: sessionID,
		Params:    map[string]string{"register": "true"},
	})
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if begin.Kind != KindPasskeyOptions || begin.PasskeyOptions == nil {
		t.Fatalf("begin result = %+v, want %q", begin, KindPasskeyOptions)
	}
	if len(begin.PasskeyOptions.Options) == 0 {
		t.Fatal("no ceremony options returned")
	}

	finish, err := e.SignIn(ctx, SignInRequest{
		Provider:  "passkey",
		Verifier:  begin.PasskeyOptions.Verifier,
		SessionID: sessionID,
		Params:    map[string]string{"response": assertion},
	})
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if finish.Kind != KindSignedIn || finish.SignedIn == nil {
		t.Fatalf("finish result = %+v, want %q", finish, KindSignedIn)
	}
	if finish.SignedIn.Tokens != nil {
		t.Error("enrollment minted tokens although the caller already holds a session")
	}
	if finish.SignedIn.SessionID != sessionID {
		t.Errorf("finish session = %s, want the enrolling session %s", finish.SignedIn.SessionID, sessionID)
	}
}

// loginWithPasskey runs a full discoverable assertion.
func loginWithPasskey(t *testing.T, e *Engine, assertion string) (*SignInResult, error) {
	t.Helper()
	ctx := context.Background()

	begin, err := e.SignIn(ctx, SignInRequest{Provider: "passkey"})
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	if begin.Kind != KindPasskeyOptions {
		t.Fatalf("begin result = %+v, want %q", begin, KindPasskeyOptions)
	}

	return e.SignIn(ctx, SignInRequest{
		Provider: "passkey",
		Verifier: begin.PasskeyOptions.Verifier,
		Params:   map[string]string{"response": assertion},
	})
}

func TestPasskeyRegisterRequiresSession(t *testing.T) {
	engine, _ := newPasskeyEngine(t)
	ctx := context.Background()

	_, err := engine.SignIn(ctx, SignInRequest{
		Provider: "passkey",
		Params:   map[string]string{"register": "true"},
	})
	if !errors.Is(err, ErrMissingRequiredParam) {
		t.Fatalf("no session: err = %v, want ErrMissingRequiredParam", err)
	}

	_, err = engine.SignIn(ctx, SignInRequest{
		Provider:  "passkey",
		SessionID: "no-such-session",
		Params:    map[string]string{"register": "true"},
	})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("bogus session: err = %v, want ErrInvalidSession", err)
	}
}

func TestPasskeyRegisterThenLogin(t *testing.T) {
	engine, _ := newPasskeyEngine(t)

	account := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	registerPasskey(t, engine, account.SessionID, "cred-1:5")

	res, err := loginWithPasskey(t, engine, "cred-1:6")
	if err != nil {
		t.Fatalf("passkey login: %v", err)
	}
	if res.Kind != KindSignedIn || res.SignedIn == nil || res.SignedIn.Tokens == nil {
		t.Fatalf("login result = %+v, want a full sign-in", res)
	}
	if res.SignedIn.UserID != account.UserID {
		t.Errorf("login resolved user %s, want the credential owner %s", res.SignedIn.UserID, account.UserID)
	}
}

func TestPasskeyCounterRegression(t *testing.T) {
	engine, _ := newPasskeyEngine(t)

	account := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	registerPasskey(t, engine, account.SessionID, "cred-1:5")

	if _, err := loginWithPasskey(t, engine, "cred-1:6"); err != nil {
		t.Fatalf("first login: %v", err)
	}

	// A counter that does not advance is a cloned-key signal.
	if _, err := loginWithPasskey(t, engine, "cred-1:6"); !errors.Is(err, ErrPasskeyCounterRegression) {
		t.Fatalf("stalled counter: err = %v, want ErrPasskeyCounterRegression", err)
	}
	if _, err := loginWithPasskey(t, engine, "cred-1:4"); !errors.Is(err, ErrPasskeyCounterRegression) {
		t.Fatalf("rewound counter: err = %v, want ErrPasskeyCounterRegression", err)
	}

	// The genuine authenticator keeps working.
	if _, err := loginWithPasskey(t, engine, "cred-1:7"); err != nil {
		t.Fatalf("advancing counter after regression attempts: %v", err)
	}
}

func TestPasskeyCounterlessAuthenticator(t *testing.T) {
	engine, _ := newPasskeyEngine(t)

	account := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	registerPasskey(t, engine, account.SessionID, "cred-flat:0")

	// Authenticators that do not implement counters report zero forever;
	// zero-to-zero is not a regression.
	if _, err := loginWithPasskey(t, engine, "cred-flat:0"); err != nil {
		t.Fatalf("counter-less login: %v", err)
	}
}

func TestPasskeyUnknownCredential(t *testing.T) {
	engine, _ := newPasskeyEngine(t)

	mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	_, err := loginWithPasskey(t, engine, "ghost-cred:1")
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("err = %v, want ErrInvalidSecret", err)
	}
}

func TestPasskeyChallengeExpires(t *testing.T) {
	engine, clock := newPasskeyEngine(t)
	ctx := context.Background()

	begin, err := engine.SignIn(ctx, SignInRequest{Provider: "passkey"})
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}

	clock.Advance(5*time.Minute + time.Second)

	_, err = engine.SignIn(ctx, SignInRequest{
		Provider: "passkey",
		Verifier: begin.PasskeyOptions.Verifier,
		Params:   map[string]string{"response": "cred-1:1"},
	})
	if !errors.Is(err, ErrVerifierExpired) {
		t.Fatalf("err = %v, want ErrVerifierExpired", err)
	}
}

func TestPasskeyFinishConsumesVerifier(t *testing.T) {
	engine, _ := newPasskeyEngine(t)
	ctx := context.Background()

	account := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	registerPasskey(t, engine, account.SessionID, "cred-1:5")

	begin, err := engine.SignIn(ctx, SignInRequest{Provider: "passkey"})
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	finish := SignInRequest{
		Provider: "passkey",
		Verifier: begin.PasskeyOptions.Verifier,
		Params:   map[string]string{"response": "cred-1:6"},
	}
	if _, err := engine.SignIn(ctx, finish); err != nil {
		t.Fatalf("finish login: %v", err)
	}

	if _, err := engine.SignIn(ctx, finish); !errors.Is(err, ErrVerifierExpired) {
		t.Fatalf("replayed finish: err = %v, want ErrVerifierExpired", err)
	}
}

func TestPasskeyFailedAssertionKeepsCredential(t *testing.T) {
	engine, _ := newPasskeyEngine(t)

	account := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	registerPasskey(t, engine, account.SessionID, "cred-1:5")

	if _, err := loginWithPasskey(t, engine, "malformed"); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("malformed assertion: err = %v, want ErrInvalidSecret", err)
	}

	if _, err := loginWithPasskey(t, engine, "cred-1:6"); err != nil {
		t.Fatalf("login after failed assertion: %v", err)
	}
}
