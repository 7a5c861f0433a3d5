// Package google holds the OAuth2 configuration for Gmail access.
package google

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Scopes requested during authorization. Read-only mailbox access is all
// the scanner needs.
var Scopes = []string{
	gmail.GmailReadonlyScope,
}

// OOBRedirectURL is the out-of-band redirect used when no redirect URL is
// configured; the user pastes the code back manually.
const OOBRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

// OAuthConfig builds the OAuth2 configuration for the Google endpoint.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if redirectURL == "" {
		redirectURL = OOBRedirectURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
	}
}

// AuthURL returns the consent URL for the authorization flow. Offline access
// and forced consent make Google issue a refresh token even when the user
// authorized before.
func AuthURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for tokens.
func Exchange(ctx context.Context, conf *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("authorization response carried no refresh token")
	}
	return tok, nil
}
