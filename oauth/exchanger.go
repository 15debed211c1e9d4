package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/robelest/authcore"
)

// ErrUnknownProvider is returned when a provider name was never
// registered with the exchanger.
var ErrUnknownProvider = errors.New("oauth: unknown provider")

// ProfileFunc resolves the subject identity after a successful code
// exchange. The client is already authorized with the provider's
// access token.
type ProfileFunc func(ctx context.Context, client *http.Client) (*authcore.OAuthProfile, error)

// Provider is one registered OAuth authorization server.
type Provider struct {
	// Name must match the provider id registered with the engine.
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint

	// UserInfoURL is fetched after exchange when Profile is nil. The
	// response is decoded as an OpenID Connect userinfo document.
	UserInfoURL string
	// Profile overrides the default userinfo decoding for providers
	// with their own response shape.
	Profile ProfileFunc
}

func (p *Provider) config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Endpoint:     p.Endpoint,
		Scopes:       scopes,
	}
}

// Exchanger implements authcore.OAuthExchanger over a set of
// registered providers. It is safe for concurrent use once built.
type Exchanger struct {
	providers  map[string]*Provider
	httpClient *http.Client
}

// New builds an Exchanger from the given providers. Every provider
// must carry a unique name, client credentials, both endpoint URLs and
// a way to resolve the profile.
func New(providers ...Provider) (*Exchanger, error) {
	e := &Exchanger{providers: make(map[string]*Provider, len(providers))}
	for i := range providers {
		p := providers[i]
		if p.Name == "" {
			return nil, errors.Errorf("oauth: provider %d has no name", i)
		}
		if _, dup := e.providers[p.Name]; dup {
			return nil, errors.Errorf("oauth: provider %q registered twice", p.Name)
		}
		if p.ClientID == "" {
			return nil, errors.Errorf("oauth: provider %q has no client id", p.Name)
		}
		if p.Endpoint.AuthURL == "" || p.Endpoint.TokenURL == "" {
			return nil, errors.Errorf("oauth: provider %q has incomplete endpoints", p.Name)
		}
		if p.Profile == nil && p.UserInfoURL == "" {
			return nil, errors.Errorf("oauth: provider %q has no profile source", p.Name)
		}
		e.providers[p.Name] = &p
	}
	return e, nil
}

// WithHTTPClient routes token exchange and profile fetches through the
// given client instead of http.DefaultClient. It returns the exchanger
// for chaining.
func (e *Exchanger) WithHTTPClient(client *http.Client) *Exchanger {
	e.httpClient = client
	return e
}

func (e *Exchanger) provider(name string) (*Provider, error) {
	p, ok := e.providers[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownProvider, name)
	}
	return p, nil
}

// AuthorizationURL builds the provider's authorization redirect URL.
// When pkceVerifier is non-empty the URL carries the derived S256
// challenge.
func (e *Exchanger) AuthorizationURL(provider, state, pkceVerifier string, scopes []string) (string, error) {
	p, err := e.provider(provider)
	if err != nil {
		return "", err
	}
	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(pkceVerifier))
	}
	return p.config(scopes).AuthCodeURL(state, opts...), nil
}

// Exchange swaps the authorization code for tokens and resolves the
// subject profile.
func (e *Exchanger) Exchange(ctx context.Context, provider, code, pkceVerifier string) (*authcore.OAuthProfile, error) {
	p, err := e.provider(provider)
	if err != nil {
		return nil, err
	}
	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}
	var opts []oauth2.AuthCodeOption
	if pkceVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pkceVerifier))
	}
	cfg := p.config(nil)
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "oauth: exchange code with %s", p.Name)
	}
	client := cfg.Client(ctx, tok)
	if p.Profile != nil {
		return p.Profile(ctx, client)
	}
	return fetchUserInfo(ctx, client, p.UserInfoURL)
}

// fetchUserInfo decodes an OpenID Connect shaped userinfo response.
func fetchUserInfo(ctx context.Context, client *http.Client, url string) (*authcore.OAuthProfile, error) {
	body, err := getJSON(ctx, client, url, "")
	if err != nil {
		return nil, err
	}
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(err, "oauth: decode userinfo response")
	}
	return &authcore.OAuthProfile{
		ProviderAccountID: info.Sub,
		Email:             info.Email,
		EmailVerified:     info.EmailVerified,
		Name:              info.Name,
	}, nil
}

// getJSON fetches url with the authorized client and returns the body,
// failing on any non-200 status.
func getJSON(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "oauth: build profile request")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "oauth: fetch profile")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "oauth: read profile response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("oauth: profile request failed with status %d", resp.StatusCode)
	}
	return body, nil
}
