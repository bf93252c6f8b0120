// Package credentials implements the per-(org, tool) credential resolver:
// an opaque key/value envelope store with a TTL cache in front and OAuth
// token refresh on top.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/api"
)

type (
	// Store is the backing store for credential envelopes and org-level
	// auth declarations
	Store interface {
		Get(context.Context, api.OrgID, string) (*api.ToolCredentials, error)
		Set(context.Context, api.OrgID, string, *api.ToolCredentials) error
		Delete(context.Context, api.OrgID, string) error
		GetAuthConfig(context.Context, api.OrgID, string) (*api.AuthConfig, error)
		SetAuthConfig(context.Context, api.OrgID, string, *api.AuthConfig) error
	}

	// RedisStore persists credential envelopes as JSON strings
	RedisStore struct {
		client *redis.Client
		prefix string
	}
)

var (
	ErrNotFound       = errors.New("tool credentials not found")
	ErrConfigNotFound = errors.New("auth config not found")
)

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a credential store on the given client. Keys are
// namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(
	ctx context.Context, org api.OrgID, tool string,
) (*api.ToolCredentials, error) {
	data, err := s.client.Get(ctx, s.credsKey(org, tool)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.WithCode(api.CodeNotFound,
			fmt.Errorf("%w: %s/%s", ErrNotFound, org, tool))
	}
	if err != nil {
		return nil, err
	}

	var creds api.ToolCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (s *RedisStore) Set(
	ctx context.Context, org api.OrgID, tool string,
	creds *api.ToolCredentials,
) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.credsKey(org, tool), data, 0).Err()
}

func (s *RedisStore) Delete(
	ctx context.Context, org api.OrgID, tool string,
) error {
	return s.client.Del(ctx, s.credsKey(org, tool)).Err()
}

func (s *RedisStore) GetAuthConfig(
	ctx context.Context, org api.OrgID, tool string,
) (*api.AuthConfig, error) {
	data, err := s.client.Get(ctx, s.configKey(org, tool)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.WithCode(api.CodeNotFound,
			fmt.Errorf("%w: %s/%s", ErrConfigNotFound, org, tool))
	}
	if err != nil {
		return nil, err
	}

	var cfg api.AuthConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RedisStore) SetAuthConfig(
	ctx context.Context, org api.OrgID, tool string, cfg *api.AuthConfig,
) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.configKey(org, tool), data, 0).Err()
}

func (s *RedisStore) credsKey(org api.OrgID, tool string) string {
	return fmt.Sprintf("%s:creds:%s:%s", s.prefix, org, tool)
}

func (s *RedisStore) configKey(org api.OrgID, tool string) string {
	return fmt.Sprintf("%s:authcfg:%s:%s", s.prefix, org, tool)
}
