package relevo

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CacheStorage holds the named cache generations of one scope. It is shared
// by every worker of the scope and by all concurrent request handlers; writes
// are last-write-wins.
type CacheStorage interface {
	// Open returns the named generation, creating it when absent.
	Open(ctx context.Context, name string) (Cache, error)
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a whole generation and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache is one generation: request key -> captured response.
type Cache interface {
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, ent CacheEntry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// budgetFunc returns the byte budget for a generation, 0 meaning unbounded.
type budgetFunc func(name string) int64

// runtimeBudget applies max to runtime generations only; the precache is
// never evicted.
func runtimeBudget(max int64) budgetFunc {
	return func(name string) int64 {
		if strings.HasPrefix(name, "runtime-") {
			return max
		}
		return 0
	}
}

func OpenStorage(cfg *Config, log *zap.Logger) (CacheStorage, error) {
	budget := runtimeBudget(cfg.RuntimeMaxBytes())
	switch cfg.Storage.Backend {
	case "memory":
		return newMemoryStorage(budget, log), nil
	case "redis":
		return newRedisStorage(cfg, log)
	default:
		st, err := newLevelStorage(cfg.Storage.Path, budget, log)
		if err != nil {
			return nil, errors.Wrapf(err, "open leveldb at %s", cfg.Storage.Path)
		}
		return st, nil
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
