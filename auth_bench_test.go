package authcore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBenchmarkEngine(tb testing.TB) (*Engine, func()) {
	tb.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		tb.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithProviders(NewPasswordProvider(), &AnonymousProvider{}).
		Build()
	if err != nil {
		tb.Fatalf("Build failed: %v", err)
	}

	return engine, func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

func BenchmarkVerifyAccessToken(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	res, err := engine.SignIn(context.Background(), passwordRequest("alice@example.com", "correct horse battery"))
	if err != nil {
		b.Fatalf("sign in failed: %v", err)
	}
	access := res.SignedIn.Tokens.AccessToken

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.VerifyAccessToken(context.Background(), access); err != nil {
			b.Fatalf("verify failed: %v", err)
		}
	}
}

func BenchmarkRefresh(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	res, err := engine.SignIn(context.Background(), passwordRequest("alice@example.com", "correct horse battery"))
	if err != nil {
		b.Fatalf("sign in failed: %v", err)
	}
	refresh := res.SignedIn.Tokens.RefreshToken

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pair, err := engine.Refresh(context.Background(), refresh)
		if err != nil {
			b.Fatalf("refresh failed: %v", err)
		}
		refresh = pair.RefreshToken
	}
}

func BenchmarkPasswordSignIn(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	// Create the account outside the timer; the loop measures sign-in
	// against an existing credential.
	if _, err := engine.SignIn(context.Background(), passwordRequest("alice@example.com", "correct horse battery")); err != nil {
		b.Fatalf("sign up failed: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := engine.SignIn(context.Background(), passwordRequest("alice@example.com", "correct horse battery"))
		if err != nil {
			b.Fatalf("sign in failed: %v", err)
		}
		_, _ = engine.SignOut(context.Background(), res.SignedIn.SessionID)
	}
}

func BenchmarkAnonymousSignIn(b *testing.B) {
	engine, cleanup := newBenchmarkEngine(b)
	defer cleanup()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := engine.SignIn(context.Background(), SignInRequest{Provider: "anonymous"})
		if err != nil {
			b.Fatalf("sign in failed: %v", err)
		}
		_, _ = engine.SignOut(context.Background(), res.SignedIn.SessionID)
	}
}
