package relevo

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisStorage lets several proxy replicas share one set of generations.
// Every generation is a hash of request key -> gob entry; the set of
// generation names lives under <prefix>:generations. Byte budgets are not
// enforced here; configure maxmemory on the server instead.
type redisStorage struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func newRedisStorage(cfg *Config, log *zap.Logger) (*redisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Storage.Redis.Addr)
	}
	if cfg.RuntimeMaxBytes() > 0 && log != nil {
		log.Warn("storage.runtime.max is ignored by the redis backend")
	}
	return &redisStorage{client: client, prefix: cfg.Storage.Redis.KeyPrefix, log: log}, nil
}

func (s *redisStorage) generationsKey() string { return s.prefix + ":generations" }

func (s *redisStorage) hashKey(name string) string { return s.prefix + ":cache:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.client.SAdd(ctx, s.generationsKey(), name).Err(); err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	return &redisCache{s: s, name: name}, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.SRem(ctx, s.generationsKey(), name)
		p.Del(ctx, s.hashKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Close() error { return s.client.Close() }

const maxPutRetries = 5

type redisCache struct {
	s    *redisStorage
	name string
}

func (c *redisCache) Match(ctx context.Context, key string) (CacheEntry, bool, error) {
	b, err := c.s.client.HGet(ctx, c.s.hashKey(c.name), key).Bytes()
	if err == redis.Nil {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	// Watching the generation set makes a concurrent Delete abort this write,
	// and the retry then sees the generation gone and drops it.
	put := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, c.s.generationsKey(), c.name).Result()
		if err != nil || !ok {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, c.s.hashKey(c.name), key, b)
			return nil
		})
		return err
	}
	for i := 0; i < maxPutRetries; i++ {
		err = c.s.client.Watch(ctx, put, c.s.generationsKey())
		if err != redis.TxFailedErr {
			return err
		}
	}
	return errors.Wrapf(err, "put %s", c.name)
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.s.client.HDel(ctx, c.s.hashKey(c.name), key).Err()
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.s.client.HKeys(ctx, c.s.hashKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
