package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by the Redis guard structures.
// Keeping it as an interface enables testing against miniredis or a mock.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Close() error
}

// releaseScript deletes the lease key only if it still holds the caller's owner token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// Key prefixes of the Redis structures.
const (
	redisDedupPrefix = "surveypipe:delivery:"
	redisLeasePrefix = "surveypipe:lease:"
)

// NewRedisClient connects to addr and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", addr, err)
	}
	slog.Info("Redis guard backend connected", "addr", addr, "db", db)
	return client, nil
}

// NewRedis creates a Guard whose dedup set and lease table are shared through Redis, so several
// SurveyPipe processes can serve the same webhook.
func NewRedis(client RedisClient, opts ...Option) *Guard {
	return New(NewRedisDedupSet(client, DefaultDedupRetention), NewRedisLeaseTable(client), opts...)
}

// RedisDedupSet stores delivery ids as expiring keys.
type RedisDedupSet struct {
	client    RedisClient
	retention time.Duration
}

var _ DedupSet = (*RedisDedupSet)(nil)

// NewRedisDedupSet creates a Redis dedup set whose entries live for retention.
func NewRedisDedupSet(client RedisClient, retention time.Duration) *RedisDedupSet {
	return &RedisDedupSet{client: client, retention: retention}
}

func (s *RedisDedupSet) MarkIfNew(ctx context.Context, deliveryID, conversationID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisDedupPrefix+deliveryID, conversationID, s.retention).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup mark %s: %w", deliveryID, err)
	}
	return ok, nil
}

// MarkProcessed is a no-op: the key already expires on its own.
func (s *RedisDedupSet) MarkProcessed(ctx context.Context, deliveryID string) error {
	return nil
}

func (s *RedisDedupSet) Forget(ctx context.Context, deliveryID string) error {
	if err := s.client.Del(ctx, redisDedupPrefix+deliveryID).Err(); err != nil {
		return fmt.Errorf("redis dedup forget %s: %w", deliveryID, err)
	}
	return nil
}

// RedisLeaseTable implements leases with SET NX PX and a compare-and-delete release.
type RedisLeaseTable struct {
	client RedisClient
	now    func() time.Time
}

var _ LeaseTable = (*RedisLeaseTable)(nil)

// NewRedisLeaseTable creates a Redis lease table.
func NewRedisLeaseTable(client RedisClient) *RedisLeaseTable {
	return &RedisLeaseTable{client: client, now: time.Now}
}

func (t *RedisLeaseTable) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	owner := uuid.NewString()
	now := t.now()
	ok, err := t.client.SetNX(ctx, redisLeasePrefix+key, owner, ttl).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("redis lease acquire %s: %w", key, err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}, true, nil
}

func (t *RedisLeaseTable) Release(ctx context.Context, lease Lease) error {
	err := t.client.Eval(ctx, releaseScript, []string{redisLeasePrefix + lease.Key}, lease.Owner).Err()
	if err != nil {
		return fmt.Errorf("redis lease release %s: %w", lease.Key, err)
	}
	return nil
}
