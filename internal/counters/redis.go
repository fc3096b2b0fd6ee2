package counters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultScanCount int64 = 500

var errMissingClient = errors.New("counters: redis client is required")

// drainScript decrements a counter by the amount a sweep applied and removes the key
// once nothing is left, in one atomic step.
var drainScript = redis.NewScript(`
local remaining = redis.call('DECRBY', KEYS[1], ARGV[1])
if remaining <= 0 then
	redis.call('DEL', KEYS[1])
end
return remaining
`)

// Options tunes the Redis connection.
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Store is the fast counter store used to absorb view writes.
type Store struct {
	client *redis.Client
}

// Open connects to Redis from a redis:// URL, falling back to treating the value as host:port.
func Open(ctx context.Context, rawURL string, opts Options) (*Store, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("counters: redis url is required")
	}

	options, err := redis.ParseURL(trimmed)
	if err != nil {
		options = &redis.Options{Addr: trimmed}
	}
	if opts.DialTimeout > 0 {
		options.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		options.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		options.WriteTimeout = opts.WriteTimeout
	}
	if opts.PoolSize > 0 {
		options.PoolSize = opts.PoolSize
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("counters: failed to connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewStore wraps an existing client.
func NewStore(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, errMissingClient
	}
	return &Store{client: client}, nil
}

// AddMember adds member to the set at key and refreshes the key's expiry.
// It reports whether the member was new to the set.
func (s *Store) AddMember(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, key, member)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("counters: sadd %s: %w", key, err)
	}
	return added.Val() == 1, nil
}

// IncrementBy adds delta to the counter at key and refreshes its expiry.
func (s *Store) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var incremented *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incremented = pipe.IncrBy(ctx, key, delta)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counters: incrby %s: %w", key, err)
	}
	return incremented.Val(), nil
}

// ScanKeys iterates the keyspace with SCAN until the cursor wraps to zero and returns
// every distinct key matching pattern. Keys added or removed during the scan may or
// may not be returned.
func (s *Store) ScanKeys(ctx context.Context, pattern string, count int64) ([]string, error) {
	if count <= 0 {
		count = defaultScanCount
	}
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return nil, fmt.Errorf("counters: scan %s: %w", pattern, err)
		}
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// GetMany reads keys with MGET. Missing keys come back as empty strings at their index.
func (s *Store) GetMany(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("counters: mget: %w", err)
	}
	values := make([]string, len(raw))
	for index, value := range raw {
		if text, ok := value.(string); ok {
			values[index] = text
		}
	}
	return values, nil
}

// Drain subtracts applied from the counter at key and deletes the key when it reaches zero.
// It returns what is left for the next sweep.
func (s *Store) Drain(ctx context.Context, key string, applied int64) (int64, error) {
	remaining, err := drainScript.Run(ctx, s.client, []string{key}, applied).Int64()
	if err != nil {
		return 0, fmt.Errorf("counters: drain %s: %w", key, err)
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Delete removes keys. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("counters: del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
