// Package github wraps the source-forge API used to classify task outcomes:
// locating the pull request a task produced and inspecting its CI state.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// TokenProvider supplies a current installation token. Implemented by the
// credential service; a nil token means no credential is available.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenProvider wraps a fixed token. Useful for tests and one-off
// tooling.
type StaticTokenProvider string

// Token returns the wrapped token.
func (s StaticTokenProvider) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client is a thin wrapper over go-github bound to a token provider.
type Client struct {
	api *github.Client
}

// providerSource adapts TokenProvider to oauth2.TokenSource so the client
// always sends the freshest installation token.
type providerSource struct {
	provider TokenProvider
}

func (s providerSource) Token() (*oauth2.Token, error) {
	tok, err := s.provider.Token(context.Background())
	if err != nil {
		return nil, err
	}
	if tok == "" {
		return nil, fmt.Errorf("no installation token available")
	}
	return &oauth2.Token{AccessToken: tok}, nil
}

// NewClient creates a forge client. baseURL overrides the API endpoint for
// tests and GitHub Enterprise; empty means api.github.com.
func NewClient(provider TokenProvider, baseURL string) (*Client, error) {
	// oauth2.Transport asks the source on every request, so the provider's
	// own cache decides token freshness.
	hc := oauth2.NewClient(context.Background(), providerSource{provider: provider})
	api := github.NewClient(hc)

	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", baseURL, err)
		}
		api.BaseURL = u
	}

	return &Client{api: api}, nil
}

// ParseRepository splits "owner/repo" into its components.
func ParseRepository(repository string) (owner, repo string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("invalid repository %q (expected owner/repo)", repository)
	}
	return parts[0], parts[1], nil
}
