package cache

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
)

// redisCache stores response bytes in redis. Every entry key is also
// recorded in a per-repository set so invalidation can delete the entries
// without scanning the keyspace.
type redisCache struct {
	pool *redis.Pool
}

// NewRedis returns a Cache backed by the given redis connection pool. A new
// connection is fetched from the pool for each operation.
func NewRedis(pool *redis.Pool) Cache {
	return &redisCache{pool: pool}
}

// NewRedisPool builds a pool suitable for the cache: idle-tested connections
// against a single address.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (rc *redisCache) Get(ctx context.Context, repository, key string) ([]byte, error) {
	conn, err := rc.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", rc.entryKey(repository, key)))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (rc *redisCache) Set(ctx context.Context, repository, key string, value []byte, ttl time.Duration) error {
	conn, err := rc.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	entry := rc.entryKey(repository, key)
	if ttl > 0 {
		if _, err := conn.Do("SET", entry, value, "PX", ttl.Milliseconds()); err != nil {
			return err
		}
	} else {
		if _, err := conn.Do("SET", entry, value); err != nil {
			return err
		}
	}
	_, err = conn.Do("SADD", rc.repositorySetKey(repository), entry)
	return err
}

func (rc *redisCache) Invalidate(ctx context.Context, repository string) error {
	conn, err := rc.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	set := rc.repositorySetKey(repository)
	entries, err := redis.Strings(conn.Do("SMEMBERS", set))
	if err != nil {
		return err
	}
	args := make([]interface{}, 0, len(entries)+1)
	for _, entry := range entries {
		args = append(args, entry)
	}
	args = append(args, set)
	_, err = conn.Do("DEL", args...)
	return err
}

// entryKey returns the key of one cached response.
func (rc *redisCache) entryKey(repository, key string) string {
	return "repository::" + repository + "::response::" + key
}

// repositorySetKey returns the key of the set tracking a repository's
// entries.
func (rc *redisCache) repositorySetKey(repository string) string {
	return "repository::" + repository + "::responses"
}
