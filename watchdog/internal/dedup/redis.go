package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldLastSeen   = "last_seen"
	fieldSuppressed = "suppressed"
)

// RedisStore keeps host state in Redis so several watchdog replicas polling
// the same data source share one view. Each host is a hash under
// prefix+host that expires after the TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// ConnectRedis creates and validates a Redis connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(host string) string { return s.prefix + host }

// Load reads the hash for host. A missing key means no state.
func (s *RedisStore) Load(ctx context.Context, host string) (HostAlertState, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key(host)).Result()
	if err != nil {
		return HostAlertState{}, false, fmt.Errorf("hgetall: %w", err)
	}
	if len(vals) == 0 {
		return HostAlertState{}, false, nil
	}

	nanos, err := strconv.ParseInt(vals[fieldLastSeen], 10, 64)
	if err != nil {
		return HostAlertState{}, false, fmt.Errorf("corrupt %s for %q: %w", fieldLastSeen, host, err)
	}
	return HostAlertState{
		LastSeen:   time.Unix(0, nanos),
		Suppressed: vals[fieldSuppressed] == "1",
	}, true, nil
}

// Save writes st and refreshes the key expiry in one transaction.
func (s *RedisStore) Save(ctx context.Context, host string, st HostAlertState) error {
	suppressed := "0"
	if st.Suppressed {
		suppressed = "1"
	}
	key := s.key(host)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fieldLastSeen, st.LastSeen.UnixNano(), fieldSuppressed, suppressed)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}
