package github

import (
	"context"

	"codenearby/config"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var scopes = []string{"read:user", "user:email"}

var ErrExchangeFailed = errors.New("github code exchange failed")

// OAuth runs the authorization code flow against GitHub.
type OAuth struct {
	cfg *oauth2.Config
}

func NewOAuth(cfg config.GitHubConfig) *OAuth {
	return &OAuth{cfg: &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     endpoints.GitHub,
	}}
}

// WithEndpoint points the flow at another authorization server.
func (o *OAuth) WithEndpoint(ep oauth2.Endpoint) *OAuth {
	c := *o.cfg
	c.Endpoint = ep
	return &OAuth{cfg: &c}
}

// AuthCodeURL is where the browser is sent to grant access.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the callback code for an access token.
func (o *OAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.Wrap(ErrExchangeFailed, "empty code")
	}
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(ErrExchangeFailed, err.Error())
	}
	return tok, nil
}
