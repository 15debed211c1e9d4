package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robelest/authcore/internal"
)

func TestRefreshRotatesTokens(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: signedIn.Tokens.RefreshToken})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Kind != KindRefreshTokens || res.Tokens == nil {
		t.Fatalf("result = %+v, want a completed rotation", res)
	}
	if res.Tokens.RefreshToken == signedIn.Tokens.RefreshToken {
		t.Error("rotation returned the presented refresh token unchanged")
	}

	identity, err := engine.VerifyAccessToken(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken on rotated pair: %v", err)
	}
	if identity.UserID != signedIn.UserID || identity.SessionID != signedIn.SessionID {
		t.Errorf("rotated identity = %+v, want user %s session %s", identity, signedIn.UserID, signedIn.SessionID)
	}
}

func TestRefreshChain(t *testing.T) {
	engine, clock := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	current := signedIn.Tokens.RefreshToken
	for i := 0; i < 5; i++ {
		clock.Advance(31 * time.Second)
		res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: current})
		if err != nil {
			t.Fatalf("rotation %d: %v", i+1, err)
		}
		if res.Tokens == nil {
			t.Fatalf("rotation %d was rejected", i+1)
		}
		current = res.Tokens.RefreshToken
	}
}

func TestRefreshGraceReissuesSameSuccessor(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	original := signedIn.Tokens.RefreshToken

	first, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil || first.Tokens == nil {
		t.Fatalf("first rotation: res=%+v err=%v", first, err)
	}

	// Within the grace window the used token answers once more, with the
	// same successor it already minted. A client that lost the response
	// to a network fault recovers without tripping reuse detection.
	second, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil || second.Tokens == nil {
		t.Fatalf("grace reissue: res=%+v err=%v", second, err)
	}
	if second.Tokens.RefreshToken != first.Tokens.RefreshToken {
		t.Error("grace reissue minted a different successor")
	}

	// The successor is live and rotates normally.
	next, err := engine.SignIn(ctx, SignInRequest{RefreshToken: second.Tokens.RefreshToken})
	if err != nil || next.Tokens == nil {
		t.Fatalf("successor rotation: res=%+v err=%v", next, err)
	}
}

func TestRefreshReuseAfterGraceKillsSession(t *testing.T) {
	engine, clock := newPasswordEngine(t)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	original := signedIn.Tokens.RefreshToken

	first, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil || first.Tokens == nil {
		t.Fatalf("first rotation: res=%+v err=%v", first, err)
	}

	clock.Advance(31 * time.Second)

	// Past the grace window the old token is a theft signal. The
	// rotation is rejected and the descendants go down with it.
	reused, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil {
		t.Fatalf("reuse attempt: %v", err)
	}
	if reused.Kind != KindRefreshTokens || reused.Tokens != nil {
		t.Fatalf("reuse attempt returned %+v, want a rejected rotation", reused)
	}

	successor, err := engine.SignIn(ctx, SignInRequest{RefreshToken: first.Tokens.RefreshToken})
	if err != nil {
		t.Fatalf("successor after reuse: %v", err)
	}
	if successor.Tokens != nil {
		t.Error("successor token still rotates after reuse detection")
	}
}

func TestRefreshZeroGraceRejectsAnyReuse(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ReuseGrace = 0
	engine, _ := newPasswordEngineConfig(t, cfg)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	original := signedIn.Tokens.RefreshToken

	first, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil || first.Tokens == nil {
		t.Fatalf("first rotation: res=%+v err=%v", first, err)
	}

	reused, err := engine.SignIn(ctx, SignInRequest{RefreshToken: original})
	if err != nil {
		t.Fatalf("immediate reuse: %v", err)
	}
	if reused.Tokens != nil {
		t.Fatal("zero grace still accepted a second presentation")
	}

	successor, err := engine.SignIn(ctx, SignInRequest{RefreshToken: first.Tokens.RefreshToken})
	if err != nil {
		t.Fatalf("successor after reuse: %v", err)
	}
	if successor.Tokens != nil {
		t.Error("successor token survived reuse detection")
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	for _, token := range []string{"garbage", "a.b", "..", "missing-separator"} {
		res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: token})
		if err != nil {
			t.Fatalf("SignIn(%q): %v", token, err)
		}
		if res.Kind != KindRefreshTokens || res.Tokens != nil {
			t.Errorf("SignIn(%q) = %+v, want a rejected rotation", token, res)
		}
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	tokenID, err := internal.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	sessionID, err := internal.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}

	res, err := engine.SignIn(ctx, SignInRequest{
		RefreshToken: internal.EncodeRefreshToken(tokenID.String(), sessionID.String()),
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Tokens != nil {
		t.Error("a never-issued token rotated successfully")
	}
}

func TestRefreshMethodReportsRejection(t *testing.T) {
	engine, _ := newPasswordEngine(t)
	ctx := context.Background()

	if _, err := engine.Refresh(ctx, "garbage"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("Refresh err = %v, want ErrInvalidRefreshToken", err)
	}

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))
	pair, err := engine.Refresh(ctx, signedIn.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair == nil || pair.RefreshToken == "" {
		t.Fatalf("pair = %+v, want rotated tokens", pair)
	}
}

func TestRefreshHonorsAbsoluteLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.Session.InactivityWindow = 24 * time.Hour
	cfg.Session.AbsoluteLifetime = 36 * time.Hour
	engine, clock := newPasswordEngineConfig(t, cfg)
	ctx := context.Background()

	signedIn := mustSignIn(t, engine, passwordRequest("ada@example.com", "correct horse battery"))

	// Each rotation extends the session by the inactivity window, but
	// never past creation plus the absolute lifetime.
	current := signedIn.Tokens.RefreshToken
	for i := 0; i < 2; i++ {
		clock.Advance(13 * time.Hour)
		res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: current})
		if err != nil || res.Tokens == nil {
			t.Fatalf("rotation %d inside lifetime: res=%+v err=%v", i+1, res, err)
		}
		current = res.Tokens.RefreshToken
	}

	// 26h elapsed; the cap is at 36h from creation. One more long gap
	// crosses it.
	clock.Advance(13 * time.Hour)
	res, err := engine.SignIn(ctx, SignInRequest{RefreshToken: current})
	if err != nil {
		t.Fatalf("rotation past lifetime: %v", err)
	}
	if res.Tokens != nil {
		t.Error("rotation succeeded past the absolute session lifetime")
	}
}
