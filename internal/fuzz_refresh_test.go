package internal

import (
	"testing"
)

// FuzzDecodeRefreshToken exercises refresh token decoding with arbitrary strings.
// Goal: no panics; invalid inputs should return errors cleanly.
func FuzzDecodeRefreshToken(f *testing.F) {
	// Seed with valid-looking base64url strings of various lengths.
	f.Add("")
	f.Add("abc")
	f.Add("AAAAAAAAAAAAAAAAAAAAAA.AAAAAAAAAAAAAAAAAAAAAA")

	// Generate a valid token to use as seed.
	tokenID, err := NewID()
	if err == nil {
		sessionID, err := NewID()
		if err == nil {
			f.Add(EncodeRefreshToken(tokenID.String(), sessionID.String()))
		}
	}

	// Malformed pieces.
	f.Add("!!!not-base64!!!.AAAAAAAAAAAAAAAAAAAAAA")
	f.Add("aGVsbG8=.aGVsbG8=")
	f.Add("no-separator-here")
	f.Add(".")
	f.Add("..")

	f.Fuzz(func(t *testing.T, input string) {
		// Must not panic. Errors are fine for invalid inputs.
		tokenID, sessionID, err := DecodeRefreshToken(input)
		if err != nil {
			return
		}

		// If decode succeeded, re-encode then decode must round-trip.
		tokenID2, sessionID2, err := DecodeRefreshToken(EncodeRefreshToken(tokenID, sessionID))
		if err != nil {
			t.Fatalf("roundtrip decode failed: %v", err)
		}
		if tokenID2 != tokenID {
			t.Errorf("roundtrip token id mismatch: %q vs %q", tokenID2, tokenID)
		}
		if sessionID2 != sessionID {
			t.Errorf("roundtrip session id mismatch: %q vs %q", sessionID2, sessionID)
		}
	})
}
