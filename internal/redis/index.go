package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chat-identity/internal/config"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NameIndex is a name <-> uuid index shared by every chat server process,
// plus short-lived markers for identities known not to exist.
type NameIndex struct {
	client  *redis.Client
	nameTTL time.Duration
	logger  *slog.Logger
}

// NewNameIndex creates a new Redis-backed name index
func NewNameIndex(cfg *config.RedisConfig, logger *slog.Logger) (*NameIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewNameIndexWithClient(client, cfg.NameTTL, logger), nil
}

// NewNameIndexWithClient wraps an existing client
func NewNameIndexWithClient(client *redis.Client, nameTTL time.Duration, logger *slog.Logger) *NameIndex {
	return &NameIndex{
		client:  client,
		nameTTL: nameTTL,
		logger:  logger,
	}
}

// Close closes the Redis connection
func (n *NameIndex) Close() error {
	return n.client.Close()
}

// Ping checks Redis is reachable
func (n *NameIndex) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return domain.Transient("pinging redis", err)
	}
	return nil
}

// SetName records both directions of a mapping and clears any negative markers
func (n *NameIndex) SetName(ctx context.Context, id uuid.UUID, name string) error {
	pipe := n.client.TxPipeline()
	pipe.Set(ctx, nameKey(name), id.String(), n.nameTTL)
	pipe.Set(ctx, uuidKey(id), name, n.nameTTL)
	pipe.Del(ctx, missingKey(name), missingKey(id.String()))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Transient("indexing name", err)
	}
	return nil
}

// LookupUUID returns the uuid indexed for name; found is false on a miss
func (n *NameIndex) LookupUUID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	value, err := n.client.Get(ctx, nameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, domain.Transient("looking up uuid", err)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		// Corrupt entry; drop it and treat as a miss
		n.logger.Warn("dropping malformed name index entry", "name", name, "value", value)
		n.client.Del(ctx, nameKey(name))
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// LookupName returns the name indexed for id; found is false on a miss
func (n *NameIndex) LookupName(ctx context.Context, id uuid.UUID) (string, bool, error) {
	name, err := n.client.Get(ctx, uuidKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.Transient("looking up name", err)
	}
	return name, true, nil
}

// forgetScript deletes each direction only while it still holds the expected
// value, so a name already claimed by someone else is left alone
var forgetScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then redis.call("DEL", KEYS[1]) end
if redis.call("GET", KEYS[2]) == ARGV[2] then redis.call("DEL", KEYS[2]) end
return 0
`)

// Forget removes the mapping between id and name, in whichever directions
// still point at each other
func (n *NameIndex) Forget(ctx context.Context, id uuid.UUID, name string) error {
	keys := []string{nameKey(name), uuidKey(id)}
	if err := forgetScript.Run(ctx, n.client, keys, id.String(), name).Err(); err != nil {
		return domain.Transient("forgetting name", err)
	}
	return nil
}

// MarkMissing stores a definitive miss for lookup (a name or a uuid string)
func (n *NameIndex) MarkMissing(ctx context.Context, lookup string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := n.client.Set(ctx, missingKey(lookup), time.Now().Unix(), ttl).Err(); err != nil {
		return domain.Transient("marking missing", err)
	}
	return nil
}

// IsMissing reports whether lookup was recently confirmed not to exist
func (n *NameIndex) IsMissing(ctx context.Context, lookup string) (bool, error) {
	count, err := n.client.Exists(ctx, missingKey(lookup)).Result()
	if err != nil {
		return false, domain.Transient("checking missing marker", err)
	}
	return count > 0, nil
}
