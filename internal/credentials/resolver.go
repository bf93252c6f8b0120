package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

type (
	// Resolver is the read/write surface for tool credentials. Reads go
	// through a TTL cache; writes go to the store and invalidate the
	// cached entry.
	Resolver struct {
		store    Store
		cache    Cache
		client   *http.Client
		logger   *slog.Logger
		clock    func() time.Time
		endpoint map[string]string
	}

	// Option configures a Resolver
	Option func(*Resolver)
)

// Tokens are treated as expired slightly ahead of their deadline so a
// refresh lands before the provider starts rejecting them.
const expirySkew = 5 * time.Minute

var (
	ErrNoAccessToken  = errors.New("credentials carry no access token")
	ErrNoRefreshToken = errors.New("credentials carry no refresh token")
	ErrNoEndpoint     = errors.New("no token endpoint for tool")
	ErrRefreshFailed  = errors.New("token refresh failed")
)

// defaultEndpoints maps well-known tools to their OAuth token endpoints.
// Entries can be overridden per deployment and per credential envelope.
var defaultEndpoints = map[string]string{
	"github":    "https://github.com/login/oauth/access_token",
	"google":    "https://oauth2.googleapis.com/token",
	"microsoft": "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	"slack":     "https://slack.com/api/oauth.v2.access",
	"discord":   "https://discord.com/api/oauth2/token",
}

// NewResolver creates a Resolver on the given store and cache.
func NewResolver(
	store Store, cache Cache, logger *slog.Logger, opts ...Option,
) *Resolver {
	res := &Resolver{
		store:    store,
		cache:    cache,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		clock:    time.Now,
		endpoint: map[string]string{},
	}
	for tool, url := range defaultEndpoints {
		res.endpoint[tool] = url
	}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// WithHTTPClient overrides the client used for token refresh calls
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithTokenEndpoints merges endpoint overrides into the default table
func WithTokenEndpoints(endpoints map[string]string) Option {
	return func(r *Resolver) {
		for tool, url := range endpoints {
			r.endpoint[tool] = url
		}
	}
}

// WithClock overrides the wall clock, for tests
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) {
		r.clock = clock
	}
}

// GetToolCredentials returns the credential envelope for (org, tool),
// consulting the cache first.
func (r *Resolver) GetToolCredentials(
	ctx context.Context, org api.OrgID, tool string,
) (*api.ToolCredentials, error) {
	key := cacheKey(org, tool)
	if creds, ok := r.cache.Get(ctx, key); ok {
		return creds, nil
	}
	creds, err := r.store.Get(ctx, org, tool)
	if err != nil {
		return nil, err
	}
	r.cache.Set(ctx, key, creds)
	return creds, nil
}

// SetToolCredentials upserts the envelope and invalidates the cache entry
func (r *Resolver) SetToolCredentials(
	ctx context.Context, org api.OrgID, tool string,
	creds *api.ToolCredentials,
) error {
	if err := r.store.Set(ctx, org, tool, creds); err != nil {
		return err
	}
	r.cache.Delete(ctx, cacheKey(org, tool))
	return nil
}

// DeleteToolCredentials removes the envelope and its cache entry
func (r *Resolver) DeleteToolCredentials(
	ctx context.Context, org api.OrgID, tool string,
) error {
	if err := r.store.Delete(ctx, org, tool); err != nil {
		return err
	}
	r.cache.Delete(ctx, cacheKey(org, tool))
	return nil
}

// InvalidateOrg drops every cached entry belonging to the org
func (r *Resolver) InvalidateOrg(ctx context.Context, org api.OrgID) {
	r.cache.DeletePrefix(ctx, string(org)+":")
}

// GetAuthConfig returns the org-level auth declaration for a tool
func (r *Resolver) GetAuthConfig(
	ctx context.Context, org api.OrgID, tool string,
) (*api.AuthConfig, error) {
	return r.store.GetAuthConfig(ctx, org, tool)
}

// SetAuthConfig upserts the org-level auth declaration for a tool
func (r *Resolver) SetAuthConfig(
	ctx context.Context, org api.OrgID, tool string, cfg *api.AuthConfig,
) error {
	return r.store.SetAuthConfig(ctx, org, tool, cfg)
}

// GetOAuthTokens extracts the OAuth token set from the envelope. An
// envelope without an access token is an error.
func (r *Resolver) GetOAuthTokens(
	ctx context.Context, org api.OrgID, tool string,
) (*api.OAuthTokens, error) {
	creds, err := r.GetToolCredentials(ctx, org, tool)
	if err != nil {
		return nil, err
	}
	tokens := creds.Tokens()
	if tokens.AccessToken == "" {
		return nil, api.WithCode(api.CodeNoAccessToken,
			fmt.Errorf("%w: %s/%s", ErrNoAccessToken, org, tool))
	}
	return tokens, nil
}

// IsTokenExpired reports whether the stored access token is at or past
// its deadline, with skew applied. A retrieval failure counts as expired
// so callers attempt a refresh rather than sending a dead token.
func (r *Resolver) IsTokenExpired(
	ctx context.Context, org api.OrgID, tool string,
) bool {
	creds, err := r.GetToolCredentials(ctx, org, tool)
	if err != nil {
		return true
	}
	if creds.ExpiresAt <= 0 {
		return false
	}
	deadline := time.UnixMilli(creds.ExpiresAt).Add(-expirySkew)
	return !r.clock().Before(deadline)
}

// UpdateOAuthTokens merges a fresh token set into the stored envelope,
// preserving any non-OAuth keys the envelope carries.
func (r *Resolver) UpdateOAuthTokens(
	ctx context.Context, org api.OrgID, tool string,
	tokens *api.OAuthTokens,
) error {
	creds, err := r.GetToolCredentials(ctx, org, tool)
	if err != nil {
		creds = &api.ToolCredentials{}
	}

	creds.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		creds.RefreshToken = tokens.RefreshToken
	}
	if tokens.ExpiresAt > 0 {
		creds.ExpiresAt = tokens.ExpiresAt
	}
	if tokens.TokenType != "" {
		creds.TokenType = tokens.TokenType
	}
	if tokens.Scope != "" {
		creds.Scope = tokens.Scope
	}
	creds.LastUpdated = r.clock().UnixMilli()

	return r.SetToolCredentials(ctx, org, tool, creds)
}

func (r *Resolver) tokenEndpoint(
	creds *api.ToolCredentials, tool string,
) (string, error) {
	if creds.TokenEndpoint != "" {
		return creds.TokenEndpoint, nil
	}
	if url, ok := r.endpoint[tool]; ok {
		return url, nil
	}
	return "", api.WithCode(api.CodeOAuthError,
		fmt.Errorf("%w: %s", ErrNoEndpoint, tool))
}

func (r *Resolver) logRefresh(org api.OrgID, tool string, err error) {
	if err != nil {
		r.logger.Warn("oauth refresh failed",
			log.OrgID(org), log.Tool(tool), log.Error(err),
		)
		return
	}
	r.logger.Info("oauth tokens refreshed",
		log.OrgID(org), log.Tool(tool),
	)
}

func cacheKey(org api.OrgID, tool string) string {
	return fmt.Sprintf("%s:%s", org, tool)
}
