package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(client, "ac")
}

func testClock() time.Time {
	return time.Unix(1700000000, 0)
}

func TestCreateUserClaimsOnlyVerifiedIndexes(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := testClock()

	u := &User{
		Name:            "Alice",
		Email:           "alice@example.com",
		Phone:           "+15550100",
		EmailVerifiedAt: now.Unix(),
		CreatedAt:       now.Unix(),
	}
	if err := st.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.ID == "" {
		t.Fatal("CreateUser did not assign an id")
	}

	byEmail, err := st.UserIDByVerifiedEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("UserIDByVerifiedEmail failed: %v", err)
	}
	if byEmail != u.ID {
		t.Fatalf("verified email index = %q, want %q", byEmail, u.ID)
	}

	byPhone, err := st.UserIDByVerifiedPhone(ctx, "+15550100")
	if err != nil {
		t.Fatalf("UserIDByVerifiedPhone failed: %v", err)
	}
	if byPhone != "" {
		t.Fatalf("unverified phone must not be indexed, got %q", byPhone)
	}

	got, err := st.UserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("UserByID failed: %v", err)
	}
	if got.Email != u.Email || got.EmailVerifiedAt != u.EmailVerifiedAt || got.Anonymous {
		t.Fatalf("round-tripped user mismatch: %+v", got)
	}
}

func TestVerifiedEmailIndexIsFirstClaimWins(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := testClock()

	first := &User{Email: "shared@example.com", EmailVerifiedAt: now.Unix(), CreatedAt: now.Unix()}
	if err := st.CreateUser(ctx, first); err != nil {
		t.Fatalf("CreateUser first failed: %v", err)
	}

	second := &User{CreatedAt: now.Unix()}
	if err := st.CreateUser(ctx, second); err != nil {
		t.Fatalf("CreateUser second failed: %v", err)
	}
	if err := st.MarkUserEmailVerified(ctx, second.ID, "shared@example.com", now.Unix()); err != nil {
		t.Fatalf("MarkUserEmailVerified failed: %v", err)
	}

	got, err := st.UserIDByVerifiedEmail(ctx, "shared@example.com")
	if err != nil {
		t.Fatalf("UserIDByVerifiedEmail failed: %v", err)
	}
	if got != first.ID {
		t.Fatalf("index moved to %q, want original claim %q", got, first.ID)
	}
}

func TestUserByIDMissing(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	if _, err := st.UserByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UserByID missing = %v, want ErrNotFound", err)
	}
}

func TestCreateAccountRejectsDuplicateProviderIdentity(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := testClock()

	a := &Account{
		UserID:            "u1",
		Provider:          "password",
		ProviderAccountID: "alice@example.com",
		SecretHash:        "$argon2id$stub",
		CreatedAt:         now.Unix(),
	}
	if err := st.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	dup := &Account{
		UserID:            "u2",
		Provider:          "password",
		ProviderAccountID: "alice@example.com",
		CreatedAt:         now.Unix(),
	}
	if err := st.CreateAccount(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate CreateAccount = %v, want ErrDuplicate", err)
	}

	got, err := st.AccountByProvider(ctx, "password", "alice@example.com")
	if err != nil {
		t.Fatalf("AccountByProvider failed: %v", err)
	}
	if got == nil || got.ID != a.ID || got.UserID != "u1" {
		t.Fatalf("AccountByProvider resolved %+v, want the first claim", got)
	}
}

func TestAccountByProviderMissingReturnsNil(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	got, err := st.AccountByProvider(context.Background(), "password", "ghost@example.com")
	if err != nil {
		t.Fatalf("AccountByProvider failed: %v", err)
	}
	if got != nil {
		t.Fatalf("missing identity resolved to %+v, want nil", got)
	}
}

func TestUnlinkAccountClearsProviderIndex(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := testClock()

	a := &Account{
		UserID:            "u1",
		Provider:          "github",
		ProviderAccountID: "12345",
		CreatedAt:         now.Unix(),
	}
	if err := st.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	if err := st.UnlinkAccount(ctx, a.ID); err != nil {
		t.Fatalf("UnlinkAccount failed: %v", err)
	}

	got, err := st.AccountByProvider(ctx, "github", "12345")
	if err != nil {
		t.Fatalf("AccountByProvider after unlink failed: %v", err)
	}
	if got != nil {
		t.Fatalf("identity still resolves after unlink: %+v", got)
	}

	accounts, err := st.AccountsByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("AccountsByUser failed: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("user still owns %d accounts after unlink", len(accounts))
	}

	if err := st.UnlinkAccount(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second UnlinkAccount = %v, want ErrNotFound", err)
	}
}
