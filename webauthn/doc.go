// Package webauthn implements the engine's PasskeyVerifier on top of
// github.com/go-webauthn/webauthn. Ceremony state crosses the boundary
// as opaque JSON blobs; credential ids cross as unpadded base64url, the
// same form the browser credential API reports them in.
package webauthn
