package store

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestPasskeyRoundTrip(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	now := testClock()

	p := &Passkey{
		CredentialID: "cred-1",
		UserID:       "u1",
		PublicKey:    []byte{0xA4, 0x01, 0x02, 0x03, 0x26},
		SignCount:    7,
		Transports:   "internal,hybrid",
		CreatedAt:    now.Unix(),
	}
	if err := st.SavePasskey(ctx, p); err != nil {
		t.Fatalf("SavePasskey failed: %v", err)
	}

	got, err := st.PasskeyByCredentialID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("PasskeyByCredentialID failed: %v", err)
	}
	if !bytes.Equal(got.PublicKey, p.PublicKey) || got.SignCount != 7 || got.UserID != "u1" {
		t.Fatalf("round-tripped passkey mismatch: %+v", got)
	}

	list, err := st.PasskeysByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("PasskeysByUser failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("user owns %d passkeys, want 1", len(list))
	}
}

func TestAdvancePasskeySignCount(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()

	p := &Passkey{CredentialID: "cred-1", UserID: "u1", PublicKey: []byte{1}, SignCount: 5}
	if err := st.SavePasskey(ctx, p); err != nil {
		t.Fatalf("SavePasskey failed: %v", err)
	}

	if err := st.AdvancePasskeySignCount(ctx, "cred-1", 6); err != nil {
		t.Fatalf("advancing counter failed: %v", err)
	}

	// Equal and lower counters read as a cloned credential.
	if err := st.AdvancePasskeySignCount(ctx, "cred-1", 6); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("equal counter = %v, want ErrDuplicate", err)
	}
	if err := st.AdvancePasskeySignCount(ctx, "cred-1", 3); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("regressed counter = %v, want ErrDuplicate", err)
	}

	got, err := st.PasskeyByCredentialID(ctx, "cred-1")
	if err != nil {
		t.Fatalf("PasskeyByCredentialID failed: %v", err)
	}
	if got.SignCount != 6 {
		t.Fatalf("stored counter = %d, want 6", got.SignCount)
	}
}

func TestAdvancePasskeySignCountZeroCounterAuthenticator(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()

	p := &Passkey{CredentialID: "cred-1", UserID: "u1", PublicKey: []byte{1}, SignCount: 0}
	if err := st.SavePasskey(ctx, p); err != nil {
		t.Fatalf("SavePasskey failed: %v", err)
	}

	// Authenticators without a counter report zero forever; that must
	// keep working.
	if err := st.AdvancePasskeySignCount(ctx, "cred-1", 0); err != nil {
		t.Fatalf("zero counter on zero record = %v, want success", err)
	}
	if err := st.AdvancePasskeySignCount(ctx, "cred-1", 0); err != nil {
		t.Fatalf("repeated zero counter = %v, want success", err)
	}
}

func TestDeletePasskey(t *testing.T) {
	mr, st := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()

	p := &Passkey{CredentialID: "cred-1", UserID: "u1", PublicKey: []byte{1}}
	if err := st.SavePasskey(ctx, p); err != nil {
		t.Fatalf("SavePasskey failed: %v", err)
	}
	if err := st.DeletePasskey(ctx, "cred-1"); err != nil {
		t.Fatalf("DeletePasskey failed: %v", err)
	}

	if _, err := st.PasskeyByCredentialID(ctx, "cred-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("passkey survived delete: %v", err)
	}
	list, err := st.PasskeysByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("PasskeysByUser failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("user still owns %d passkeys", len(list))
	}
}
