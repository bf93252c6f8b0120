package api

import "encoding/json"

type (
	// AuthType selects how outbound headers are assembled for a tool
	AuthType string

	// ToolCredentials is the opaque credential envelope stored per
	// (org, tool). Known fields are typed; anything else a connector
	// stores survives round-trips in Extra.
	ToolCredentials struct {
		Extra         map[string]any
		AccessToken   string
		RefreshToken  string
		APIKey        string
		ClientID      string
		ClientSecret  string
		TokenEndpoint string
		HeaderName    string
		HeaderValue   string
		Scope         string
		TokenType     string
		ExpiresAt     int64 // epoch ms; 0 means never
		LastUpdated   int64
	}

	// OAuthTokens is the OAuth subset of a credential envelope
	OAuthTokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
		Scope        string `json:"scope,omitempty"`
		TokenType    string `json:"tokenType,omitempty"`
		ExpiresAt    int64  `json:"expiresAt"`
	}

	// AuthConfig is the org-level auth declaration for a tool
	AuthConfig struct {
		Type        AuthType `json:"type"`
		APIKey      string   `json:"apiKey,omitempty"`
		HeaderName  string   `json:"headerName,omitempty"`
		HeaderValue string   `json:"headerValue,omitempty"`
	}
)

const (
	AuthTypeAPIKey AuthType = "apiKey"
	AuthTypeOAuth2 AuthType = "oauth2"
	AuthTypeNone   AuthType = "none"
)

var knownCredentialKeys = map[string]bool{
	"accessToken":   true,
	"refreshToken":  true,
	"apiKey":        true,
	"clientId":      true,
	"clientSecret":  true,
	"tokenEndpoint": true,
	"headerName":    true,
	"headerValue":   true,
	"scope":         true,
	"tokenType":     true,
	"expiresAt":     true,
	"lastUpdated":   true,
}

// MarshalJSON flattens the typed fields and the extension keys into one
// object. Zero-valued typed fields are omitted.
func (c *ToolCredentials) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	for k, v := range c.Extra {
		if !knownCredentialKeys[k] {
			m[k] = v
		}
	}
	putString(m, "accessToken", c.AccessToken)
	putString(m, "refreshToken", c.RefreshToken)
	putString(m, "apiKey", c.APIKey)
	putString(m, "clientId", c.ClientID)
	putString(m, "clientSecret", c.ClientSecret)
	putString(m, "tokenEndpoint", c.TokenEndpoint)
	putString(m, "headerName", c.HeaderName)
	putString(m, "headerValue", c.HeaderValue)
	putString(m, "scope", c.Scope)
	putString(m, "tokenType", c.TokenType)
	if c.ExpiresAt != 0 {
		m["expiresAt"] = c.ExpiresAt
	}
	if c.LastUpdated != 0 {
		m["lastUpdated"] = c.LastUpdated
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits an object into the typed fields and Extra
func (c *ToolCredentials) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = ToolCredentials{
		AccessToken:   asString(m["accessToken"]),
		RefreshToken:  asString(m["refreshToken"]),
		APIKey:        asString(m["apiKey"]),
		ClientID:      asString(m["clientId"]),
		ClientSecret:  asString(m["clientSecret"]),
		TokenEndpoint: asString(m["tokenEndpoint"]),
		HeaderName:    asString(m["headerName"]),
		HeaderValue:   asString(m["headerValue"]),
		Scope:         asString(m["scope"]),
		TokenType:     asString(m["tokenType"]),
		ExpiresAt:     asInt64(m["expiresAt"]),
		LastUpdated:   asInt64(m["lastUpdated"]),
	}
	for k, v := range m {
		if knownCredentialKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = map[string]any{}
		}
		c.Extra[k] = v
	}
	return nil
}

// Tokens extracts the OAuth subset, defaulting tokenType to Bearer
func (c *ToolCredentials) Tokens() *OAuthTokens {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &OAuthTokens{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    c.ExpiresAt,
		Scope:        c.Scope,
		TokenType:    tokenType,
	}
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
