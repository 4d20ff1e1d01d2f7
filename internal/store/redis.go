// ABOUTME: Redis-backed OAuth state store for multi-instance deployments
// ABOUTME: Uses key TTLs for expiry and GETDEL for one-time consumption

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStatePrefix = "coven-connect:oauth_state:"

// RedisOAuthStateStore keeps OAuth states in Redis so a callback can land on
// any gateway instance.
type RedisOAuthStateStore struct {
	client *redis.Client
	logger *slog.Logger
}

type redisOAuthState struct {
	OwnerID       string    `json:"owner_id"`
	ProviderID    string    `json:"provider_id"`
	ConnectorName string    `json:"connector_name"`
	Description   string    `json:"description"`
	Endpoint      string    `json:"endpoint"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NewRedisOAuthStateStore connects to the Redis server at url
// (redis://[:password@]host:port/db).
func NewRedisOAuthStateStore(ctx context.Context, url string) (*RedisOAuthStateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisOAuthStateStore{
		client: client,
		logger: slog.Default().With("component", "store.redis"),
	}, nil
}

// SaveOAuthState stores the state with a TTL matching its expiry.
func (r *RedisOAuthStateStore) SaveOAuthState(ctx context.Context, st *OAuthState) error {
	ttl := time.Until(st.ExpiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	b, err := json.Marshal(redisOAuthState{
		OwnerID:       st.OwnerID,
		ProviderID:    st.ProviderID,
		ConnectorName: st.ConnectorName,
		Description:   st.Description,
		Endpoint:      st.Endpoint,
		CreatedAt:     st.CreatedAt,
		ExpiresAt:     st.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encoding oauth state: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisStatePrefix+hashToken(st.State), b, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}
	if !ok {
		return errors.New("oauth state collision")
	}
	return nil
}

// ConsumeOAuthState fetches and deletes the state atomically.
func (r *RedisOAuthStateStore) ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error) {
	b, err := r.client.GetDel(ctx, redisStatePrefix+hashToken(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming oauth state: %w", err)
	}

	var rs redisOAuthState
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("decoding oauth state: %w", err)
	}
	return &OAuthState{
		State:         state,
		OwnerID:       rs.OwnerID,
		ProviderID:    rs.ProviderID,
		ConnectorName: rs.ConnectorName,
		Description:   rs.Description,
		Endpoint:      rs.Endpoint,
		CreatedAt:     rs.CreatedAt,
		ExpiresAt:     rs.ExpiresAt,
	}, nil
}

// DeleteExpiredOAuthStates is a no-op: Redis evicts expired keys itself.
func (r *RedisOAuthStateStore) DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Close closes the Redis client.
func (r *RedisOAuthStateStore) Close() error {
	r.logger.Info("closing redis client")
	return r.client.Close()
}

var _ OAuthStateStore = (*RedisOAuthStateStore)(nil)
