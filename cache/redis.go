package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/gatekeeper"
)

// Compile-time interface check.
var _ gatekeeper.Cache = (*Redis)(nil)

// DefaultRedisPrefix namespaces every key the Redis cache writes.
const DefaultRedisPrefix = "gatekeeper:effective"

// Redis shares effective sets between engine instances. Keys carry a
// generation read from "<prefix>:version"; InvalidateAll bumps it, so
// every older key becomes unreachable and ages out through its TTL.
//
// Cache failures are logged and treated as misses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// RedisOption configures the Redis cache.
type RedisOption func(*Redis)

// WithRedisTTL sets the key time-to-live.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisLogger sets the logger for cache failures.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a Redis-backed cache over client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		ttl:    time.Minute,
		prefix: DefaultRedisPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns a user's cached effective set.
func (r *Redis) Get(ctx context.Context, userID string) (*gatekeeper.EffectiveSet, bool) {
	key, err := r.key(ctx, userID)
	if err != nil {
		r.warn("get", userID, err)
		return nil, false
	}
	payload, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.warn("get", userID, err)
		return nil, false
	}
	var set gatekeeper.EffectiveSet
	if err := json.Unmarshal(payload, &set); err != nil {
		r.warn("decode", userID, err)
		return nil, false
	}
	return &set, true
}

// Set stores a user's effective set until the TTL or the set's earliest
// assignment expiry, whichever comes first.
func (r *Redis) Set(ctx context.Context, userID string, set *gatekeeper.EffectiveSet) {
	ttl := time.Until(expiry(time.Now(), r.ttl, set))
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(set)
	if err != nil {
		r.warn("encode", userID, err)
		return
	}
	key, err := r.key(ctx, userID)
	if err != nil {
		r.warn("set", userID, err)
		return
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		r.warn("set", userID, err)
	}
}

// Invalidate removes the cached sets of the given users.
func (r *Redis) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	ver, err := r.version(ctx)
	if err != nil {
		r.warn("invalidate", "", err)
		return
	}
	keys := make([]string, len(userIDs))
	for i, u := range userIDs {
		keys[i] = r.keyAt(ver, u)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.warn("invalidate", "", err)
	}
}

// InvalidateAll bumps the key generation.
func (r *Redis) InvalidateAll(ctx context.Context) {
	if err := r.client.Incr(ctx, r.versionKey()).Err(); err != nil {
		r.warn("invalidate_all", "", err)
	}
}

func (r *Redis) versionKey() string { return r.prefix + ":version" }

// version returns the current key generation. A missing counter reads
// as zero.
func (r *Redis) version(ctx context.Context) (int64, error) {
	ver, err := r.client.Get(ctx, r.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

func (r *Redis) key(ctx context.Context, userID string) (string, error) {
	ver, err := r.version(ctx)
	if err != nil {
		return "", err
	}
	return r.keyAt(ver, userID), nil
}

func (r *Redis) keyAt(ver int64, userID string) string {
	return r.prefix + ":" + strconv.FormatInt(ver, 10) + ":" + userID
}

func (r *Redis) warn(op, userID string, err error) {
	r.logger.Warn("gatekeeper: redis cache failure",
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}
