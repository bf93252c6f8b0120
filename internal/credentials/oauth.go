package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loomworks/loom/pkg/api"
)

// tokenResponse is the standard OAuth token endpoint reply shape
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshOAuthTokens exchanges the stored refresh token at the tool's
// token endpoint and merges the response back into the envelope. The
// merged token set is returned.
func (r *Resolver) RefreshOAuthTokens(
	ctx context.Context, org api.OrgID, tool string,
) (*api.OAuthTokens, error) {
	creds, err := r.GetToolCredentials(ctx, org, tool)
	if err != nil {
		r.logRefresh(org, tool, err)
		return nil, err
	}
	if creds.RefreshToken == "" {
		err = api.WithCode(api.CodeNoRefreshToken,
			fmt.Errorf("%w: %s/%s", ErrNoRefreshToken, org, tool))
		r.logRefresh(org, tool, err)
		return nil, err
	}

	endpoint, err := r.tokenEndpoint(creds, tool)
	if err != nil {
		r.logRefresh(org, tool, err)
		return nil, err
	}

	reply, err := r.exchangeRefreshToken(ctx, endpoint, creds)
	if err != nil {
		r.logRefresh(org, tool, err)
		return nil, err
	}

	tokens := &api.OAuthTokens{
		AccessToken:  reply.AccessToken,
		RefreshToken: reply.RefreshToken,
		TokenType:    reply.TokenType,
		Scope:        reply.Scope,
	}
	if reply.ExpiresIn > 0 {
		tokens.ExpiresAt = r.clock().UnixMilli() + reply.ExpiresIn*1000
	}
	if err := r.UpdateOAuthTokens(ctx, org, tool, tokens); err != nil {
		r.logRefresh(org, tool, err)
		return nil, err
	}
	r.logRefresh(org, tool, nil)
	return tokens, nil
}

func (r *Resolver) exchangeRefreshToken(
	ctx context.Context, endpoint string, creds *api.ToolCredentials,
) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	if creds.ClientID != "" {
		form.Set("client_id", creds.ClientID)
	}
	if creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}
	if creds.Scope != "" {
		form.Set("scope", creds.Scope)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, api.WithCode(api.CodeOAuthError,
			fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, api.WithCode(api.CodeOAuthError,
			fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, api.WithCode(api.CodeOAuthError,
			fmt.Errorf("%w: status %d: %s",
				ErrRefreshFailed, res.StatusCode, truncate(body)))
	}

	var reply tokenResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, api.WithCode(api.CodeOAuthError,
			fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	}
	if reply.AccessToken == "" {
		return nil, api.WithCode(api.CodeOAuthError,
			fmt.Errorf("%w: reply carried no access token",
				ErrRefreshFailed))
	}
	return &reply, nil
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
