// Package oauth implements the engine's OAuthExchanger on top of
// golang.org/x/oauth2, with per-provider endpoint registration and
// profile mapping. Presets exist for common providers; anything with a
// standard authorization code flow can be registered by hand.
package oauth
