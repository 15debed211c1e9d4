package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/robelest/authcore"
)

// Google returns a provider for Google sign-in using the OpenID
// Connect userinfo endpoint.
func Google(clientID, clientSecret, redirectURL string) Provider {
	return Provider{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:  "https://oauth2.googleapis.com/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	}
}

// GitHub returns a provider for GitHub sign-in. The primary address
// from the emails endpoint takes precedence over the public profile
// email, with its verified flag carried through.
func GitHub(clientID, clientSecret, redirectURL string) Provider {
	return Provider{
		Name:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://github.com/login/oauth/authorize",
			TokenURL:  "https://github.com/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Profile: gitHubProfile("https://api.github.com/user", "https://api.github.com/user/emails"),
	}
}

func gitHubProfile(userURL, emailsURL string) ProfileFunc {
	return func(ctx context.Context, client *http.Client) (*authcore.OAuthProfile, error) {
		body, err := getJSON(ctx, client, userURL, "application/vnd.github+json")
		if err != nil {
			return nil, err
		}
		var user struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := json.Unmarshal(body, &user); err != nil {
			return nil, errors.Wrap(err, "oauth: decode github user")
		}
		profile := &authcore.OAuthProfile{
			Email: user.Email,
			Name:  user.Name,
		}
		if user.ID != 0 {
			profile.ProviderAccountID = strconv.FormatInt(user.ID, 10)
		}
		if profile.Name == "" {
			profile.Name = user.Login
		}
		// Only the emails endpoint reports which address GitHub
		// actually verified. The public profile email stays unverified.
		if body, err = getJSON(ctx, client, emailsURL, "application/vnd.github+json"); err == nil {
			var emails []struct {
				Email    string `json:"email"`
				Primary  bool   `json:"primary"`
				Verified bool   `json:"verified"`
			}
			if json.Unmarshal(body, &emails) == nil {
				for _, e := range emails {
					if e.Primary {
						profile.Email = e.Email
						profile.EmailVerified = e.Verified
						break
					}
				}
			}
		}
		return profile, nil
	}
}
