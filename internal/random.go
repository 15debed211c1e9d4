package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ID is the opaque identifier used for sessions, refresh tokens, and
// verifiers. 16 random bytes rendered as unpadded base64url.
type ID [16]byte

const apiKeySecretSize = 24

func NewID() (ID, error) {
	var id ID
	_, err := rand.Read(id[:])
	return id, err
}

func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func ParseID(s string) (ID, error) {
	var id ID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid id size")
	}

	copy(id[:], raw)
	return id, nil
}

// EncodeRefreshToken renders the wire form of a refresh token. The token id
// doubles as the bearer secret; the session id rides along so rotation can
// cross-check ownership without a lookup by secret.
func EncodeRefreshToken(tokenID, sessionID string) string {
	return tokenID + "." + sessionID
}

func DecodeRefreshToken(token string) (string, string, error) {
	tokenID, sessionID, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", errors.New("invalid refresh token format")
	}
	if _, err := ParseID(tokenID); err != nil {
		return "", "", errors.New("invalid refresh token id")
	}
	if _, err := ParseID(sessionID); err != nil {
		return "", "", errors.New("invalid refresh token session id")
	}
	return tokenID, sessionID, nil
}

func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

const linkTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewLinkToken generates a mixed-case alphanumeric token for magic links.
func NewLinkToken(length int) (string, error) {
	if length < 16 || length > 128 {
		return "", errors.New("invalid link token length")
	}
	return randomFromAlphabet(linkTokenAlphabet, length)
}

// userCodeAlphabet drops vowels and visually ambiguous glyphs so the code
// survives being read aloud or typed from a TV screen.
const userCodeAlphabet = "BCDFGHJKMNPQRSTVWXZ"

// NewUserCode generates the short human-entered code for the device flow,
// grouped in fours: "WDJB-MJHT".
func NewUserCode(length int) (string, error) {
	if length < 4 || length > 16 {
		return "", errors.New("invalid user code length")
	}

	code, err := randomFromAlphabet(userCodeAlphabet, length)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(length + length/4)
	for i := 0; i < len(code); i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(code[i])
	}
	return b.String(), nil
}

// NormalizeUserCode strips separators and upcases user input before lookup.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// NewStateToken generates the OAuth state / PKCE verifier material.
func NewStateToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewAPIKeySecret generates the display form of an API key: prefix,
// underscore, then unpadded base64url secret material.
func NewAPIKeySecret(prefix string) (string, error) {
	var raw [apiKeySecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func HashSecret(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

func HashSecretHex(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("%x", sum)
}

func randomFromAlphabet(alphabet string, length int) (string, error) {
	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}
