package questionapi

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/model"
)

// TokenSource supplies the bearer token sent to the question service.
// An empty token means the Authorization header is omitted.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ForwardToken relays the caller's own bearer token.
type ForwardToken struct{}

// Token returns the token of the RequestContext in ctx.
func (ForwardToken) Token(ctx context.Context) (string, error) {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.Token, nil
	}
	return "", nil
}

// NoToken sends unauthenticated requests.
type NoToken struct{}

// Token always returns "".
func (NoToken) Token(context.Context) (string, error) { return "", nil }

// ClientCredentials obtains service tokens with the OAuth2 client
// credentials grant. Tokens are cached until shortly before expiry.
type ClientCredentials struct {
	ts oauth2.TokenSource
}

// NewClientCredentials builds a ClientCredentials source. The secret is read
// from the environment variable named in cfg.
func NewClientCredentials(cfg config.ServiceAuthConfig) *ClientCredentials {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: os.Getenv(cfg.ClientSecretEnv),
		TokenURL:     cfg.TokenEndpoint,
		Scopes:       cfg.Scopes,
	}
	// The source outlives any single request.
	return &ClientCredentials{ts: cc.TokenSource(context.Background())}
}

// Token fetches or reuses a service access token.
func (c *ClientCredentials) Token(context.Context) (string, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return "", fmt.Errorf("questionapi: client credentials token: %w", err)
	}
	return tok.AccessToken, nil
}

// NewTokenSource returns the TokenSource for the configured strategy.
func NewTokenSource(cfg config.ServiceAuthConfig) (TokenSource, error) {
	switch cfg.Strategy {
	case "forward", "":
		return ForwardToken{}, nil
	case "none":
		return NoToken{}, nil
	case "client_credentials":
		return NewClientCredentials(cfg), nil
	default:
		return nil, fmt.Errorf("questionapi: unsupported auth strategy %q", cfg.Strategy)
	}
}
