package coord

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 256

var (
	// extendScript resets the expiry only when the token still matches
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	// releaseScript deletes the lock only when the token still matches
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore is the Redis implementation of Store
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on top of an already configured client.
// The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Exists reports whether the key is present
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Get returns the value of the key and whether it was present
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes the value of a key without expiry
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes the keys
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys %v: %w", keys, err)
	}
	return nil
}

// SetAdd inserts a member into a set
func (s *RedisStore) SetAdd(ctx context.Context, setKey, member string) error {
	if err := s.client.SAdd(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("failed to add %s to set %s: %w", member, setKey, err)
	}
	return nil
}

// SetRemove removes a member from a set
func (s *RedisStore) SetRemove(ctx context.Context, setKey, member string) error {
	if err := s.client.SRem(ctx, setKey, member).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from set %s: %w", member, setKey, err)
	}
	return nil
}

// SetSize returns the cardinality of a set
func (s *RedisStore) SetSize(ctx context.Context, setKey string) (int64, error) {
	n, err := s.client.SCard(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size set %s: %w", setKey, err)
	}
	return n, nil
}

// ScanKeys iterates all keys starting with prefix using cursor based SCAN
func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := s.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
		for it.Next(ctx) {
			if !yield(it.Val(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", fmt.Errorf("failed to scan keys with prefix %s: %w", prefix, err))
		}
	}
}

// AcquireLock makes a single SET NX attempt with the given expiry
func (s *RedisStore) AcquireLock(ctx context.Context, name string, timeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, name, token, timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &redisLock{client: s.client, name: name, token: token, timeout: timeout}, nil
}

// Ping checks that Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisLock struct {
	client  redis.UniversalClient
	name    string
	token   string
	timeout time.Duration
}

func (l *redisLock) Name() string { return l.name }

func (l *redisLock) Timeout() time.Duration { return l.timeout }

func (l *redisLock) Reacquire(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.name}, l.token, l.timeout.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to reacquire lock %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func (l *redisLock) Owned(ctx context.Context) (bool, error) {
	v, err := l.client.Get(ctx, l.name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", l.name, err)
	}
	return v == l.token, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.name}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}
