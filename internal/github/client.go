// Package github resolves repository metadata and clone credentials for runs
// against GitHub or GitHub Enterprise Server.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"
)

// Config holds GitHub API configuration. A GitHub App installation is
// preferred over a personal access token when both are present.
type Config struct {
	AppID          int64
	PrivateKey     []byte
	InstallationID int64

	Token string

	// BaseURL points at a GitHub Enterprise Server instance.
	BaseURL string
}

// AuthMethod represents the type of GitHub authentication being used
type AuthMethod string

const (
	AuthMethodApp   AuthMethod = "github_app"
	AuthMethodToken AuthMethod = "personal_token"
	AuthMethodNone  AuthMethod = "none"
)

// ErrNotGitHub is returned for repository URLs on another host.
var ErrNotGitHub = errors.New("repository is not hosted on the configured GitHub")

// Client handles GitHub API operations
type Client struct {
	client     *github.Client
	app        *ghinstallation.Transport
	config     Config
	host       string
	authMethod AuthMethod
}

// NewClient creates a GitHub client from cfg. Without credentials the client
// is anonymous and only sees public repositories.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c := &Client{config: cfg, host: "github.com"}

	var httpClient *http.Client
	switch {
	case cfg.AppID != 0 && len(cfg.PrivateKey) > 0 && cfg.InstallationID != 0:
		transport, err := ghinstallation.New(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub App transport: %w", err)
		}
		if cfg.BaseURL != "" {
			transport.BaseURL = strings.TrimSuffix(apiURL(cfg.BaseURL), "/")
		}
		c.app = transport
		httpClient = &http.Client{Transport: transport}
		c.authMethod = AuthMethodApp
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
		c.authMethod = AuthMethodToken
	default:
		httpClient = http.DefaultClient
		c.authMethod = AuthMethodNone
	}

	if cfg.BaseURL == "" {
		c.client = github.NewClient(httpClient)
		return c, nil
	}

	enterprise, err := github.NewEnterpriseClient(cfg.BaseURL, cfg.BaseURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub Enterprise client: %w", err)
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
	}
	c.client = enterprise
	c.host = u.Host
	return c, nil
}

func (c *Client) AuthMethod() AuthMethod {
	return c.authMethod
}

// CloneToken returns a token git can use to clone repoURL over HTTPS. It is
// empty for anonymous clients; repositories on other hosts are rejected.
func (c *Client) CloneToken(ctx context.Context, repoURL string) (string, error) {
	if _, _, err := c.parse(repoURL); err != nil {
		return "", err
	}
	switch c.authMethod {
	case AuthMethodApp:
		token, err := c.app.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to mint installation token: %w", err)
		}
		return token, nil
	case AuthMethodToken:
		return c.config.Token, nil
	default:
		return "", nil
	}
}

// DefaultBranch looks up the repository's default branch.
func (c *Client) DefaultBranch(ctx context.Context, repoURL string) (string, error) {
	meta, err := c.Repository(ctx, repoURL)
	if err != nil {
		return "", err
	}
	return meta.DefaultBranch, nil
}

// RepositoryMetadata contains structured metadata about a GitHub repository
type RepositoryMetadata struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
}

// Repository fetches metadata for repoURL, confirming the client can see it.
func (c *Client) Repository(ctx context.Context, repoURL string) (*RepositoryMetadata, error) {
	owner, name, err := c.parse(repoURL)
	if err != nil {
		return nil, err
	}
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", owner, name, err)
	}
	return &RepositoryMetadata{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		Private:       repo.GetPrivate(),
		DefaultBranch: repo.GetDefaultBranch(),
		CloneURL:      repo.GetCloneURL(),
	}, nil
}

func (c *Client) parse(repoURL string) (owner, repo string, err error) {
	host, owner, repo, err := ParseRepositoryURL(repoURL)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(host, c.host) {
		return "", "", fmt.Errorf("%w: %s", ErrNotGitHub, host)
	}
	return owner, repo, nil
}

// ParseRepositoryURL splits an http(s) repository URL into host, owner and
// repository name. A trailing ".git" is dropped.
func ParseRepositoryURL(repoURL string) (host, owner, repo string, err error) {
	u, err := url.Parse(strings.TrimSpace(repoURL))
	if err != nil || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid repository URL: %q", repoURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid repository URL: %q", repoURL)
	}
	return u.Host, parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func apiURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/api/v3") {
		return base + "/"
	}
	return base + "/api/v3/"
}
