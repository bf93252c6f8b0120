// Package auth assembles outbound HTTP headers for steps that call
// third-party APIs. Header assembly is best-effort: a step never fails
// because its credentials could not be resolved.
package auth

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/log"
)

// Builder resolves a step's tool and produces the auth headers for it
type Builder struct {
	resolver *credentials.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// hostTools maps well-known API hosts to tool names, for steps that
// give a URL but no explicit toolName.
var hostTools = map[string]string{
	"api.slack.com":   "slack",
	"hooks.slack.com": "slack",
	"api.github.com":  "github",
	"api.notion.com":  "notion",
	"api.linear.app":  "linear",
	"discord.com":     "discord",
	"api.discord.com": "discord",
}

// displayNames carries the casing reported on metric labels. Resolution
// and credential keys stay lowercase.
var displayNames = map[string]string{
	"slack":     "Slack",
	"github":    "GitHub",
	"notion":    "Notion",
	"linear":    "Linear",
	"discord":   "Discord",
	"google":    "Google",
	"microsoft": "Microsoft",
}

// NewBuilder creates a header builder on the given resolver
func NewBuilder(
	resolver *credentials.Resolver, m *metrics.Metrics, logger *slog.Logger,
) *Builder {
	return &Builder{
		resolver: resolver,
		metrics:  m,
		logger:   logger,
	}
}

// BuildHeaders returns the auth headers for a step, or an empty map when
// the step type carries no auth, the tool cannot be identified, or
// resolution fails. The auth injection counter is incremented on every
// call for outbound step types, whatever the outcome.
func (b *Builder) BuildHeaders(
	ctx context.Context, org api.OrgID, step *api.FlowStep,
) map[string]string {
	if step.Type != api.StepTypeHTTPRequest &&
		step.Type != api.StepTypeOAuthAPICall {
		return map[string]string{}
	}

	tool := ResolveToolName(step.Config)
	headers, authType := b.headersFor(ctx, org, tool)
	b.metrics.IncAuthInjection(ctx, org, step.ID, step.Type,
		DisplayToolName(tool), authType)
	return headers
}

func (b *Builder) headersFor(
	ctx context.Context, org api.OrgID, tool string,
) (map[string]string, api.AuthType) {
	headers := map[string]string{}
	if tool == "" {
		return headers, api.AuthTypeNone
	}

	cfg, err := b.resolver.GetAuthConfig(ctx, org, tool)
	if err != nil {
		cfg = b.fallbackConfig(ctx, org, tool)
	}
	if cfg == nil {
		return headers, api.AuthTypeNone
	}

	switch cfg.Type {
	case api.AuthTypeAPIKey:
		if cfg.HeaderName != "" && cfg.HeaderValue != "" {
			headers[cfg.HeaderName] = cfg.HeaderValue
		} else if cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}
		return headers, api.AuthTypeAPIKey

	case api.AuthTypeOAuth2:
		token := b.freshAccessToken(ctx, org, tool)
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
		return headers, api.AuthTypeOAuth2
	}
	return headers, api.AuthTypeNone
}

// fallbackConfig derives an auth declaration from the credential envelope
// when the org never stored one explicitly
func (b *Builder) fallbackConfig(
	ctx context.Context, org api.OrgID, tool string,
) *api.AuthConfig {
	creds, err := b.resolver.GetToolCredentials(ctx, org, tool)
	if err != nil {
		return nil
	}
	switch {
	case creds.AccessToken != "":
		return &api.AuthConfig{Type: api.AuthTypeOAuth2}
	case creds.HeaderName != "" && creds.HeaderValue != "":
		return &api.AuthConfig{
			Type:        api.AuthTypeAPIKey,
			HeaderName:  creds.HeaderName,
			HeaderValue: creds.HeaderValue,
		}
	case creds.APIKey != "":
		return &api.AuthConfig{
			Type:   api.AuthTypeAPIKey,
			APIKey: creds.APIKey,
		}
	}
	return nil
}

// freshAccessToken returns a usable access token, refreshing first when
// the stored one is at or past its deadline. Failures yield an empty
// token, never an error.
func (b *Builder) freshAccessToken(
	ctx context.Context, org api.OrgID, tool string,
) string {
	if b.resolver.IsTokenExpired(ctx, org, tool) {
		if _, err := b.resolver.RefreshOAuthTokens(ctx, org, tool); err != nil {
			b.logger.Warn("proceeding without refreshed token",
				log.OrgID(org), log.Tool(tool), log.Error(err),
			)
		}
	}
	tokens, err := b.resolver.GetOAuthTokens(ctx, org, tool)
	if err != nil {
		return ""
	}
	return tokens.AccessToken
}

// DisplayToolName returns the reporting casing for a resolved tool name.
// Unknown tools pass through as resolved.
func DisplayToolName(tool string) string {
	if name, ok := displayNames[tool]; ok {
		return name
	}
	return tool
}

// ResolveToolName identifies the tool a step talks to: an explicit
// config.toolName wins, then the URL host table.
func ResolveToolName(config api.StepConfig) string {
	if name := config.String("toolName"); name != "" {
		return strings.ToLower(name)
	}
	rawURL := config.String("url")
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return hostTools[strings.ToLower(u.Hostname())]
}
