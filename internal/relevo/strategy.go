package relevo

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// fetch goes to the network through the worker's transport, never through
// the worker itself.
func (w *Worker) fetch(ctx context.Context, req *http.Request) (CacheEntry, error) {
	if d := w.cfg.NetworkTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	out := req.Clone(ctx)
	resp, err := w.net.RoundTrip(out)
	if err != nil {
		return CacheEntry{}, err
	}
	return entryFromResponse(out, resp, w.cfg.isOpaque(req))
}

// generations are the handles one strategy call reads and writes. They are
// opened before any network round trip, so a write that lands after this
// version was purged goes into the detached generation and is dropped.
type generations struct {
	precache Cache
	runtime  Cache
}

// open leaves a handle nil when its generation cannot be opened; nil
// handles miss and drop writes.
func (w *Worker) open(ctx context.Context) generations {
	var gens generations
	for _, g := range []struct {
		name string
		dst  *Cache
	}{
		{w.cfg.PrecacheName(), &gens.precache},
		{w.cfg.RuntimeName(), &gens.runtime},
	} {
		c, err := w.storage.Open(ctx, g.name)
		if err != nil {
			w.warn.Warn("open cache", zap.String("cache", g.name), zap.Error(err))
			continue
		}
		*g.dst = c
	}
	return gens
}

// lookup treats every storage failure as a miss.
func (w *Worker) lookup(ctx context.Context, c Cache, key string) (CacheEntry, bool) {
	if c == nil {
		return CacheEntry{}, false
	}
	ent, ok, err := c.Match(ctx, key)
	if err != nil {
		w.warn.Warn("cache match", zap.String("key", key), zap.Error(err))
		return CacheEntry{}, false
	}
	return ent, ok
}

// match searches this version's generations, precache first.
func (w *Worker) match(ctx context.Context, gens generations, key string) (CacheEntry, bool) {
	if ent, ok := w.lookup(ctx, gens.precache, key); ok {
		return ent, true
	}
	return w.lookup(ctx, gens.runtime, key)
}

func (w *Worker) put(ctx context.Context, c Cache, key string, ent CacheEntry) {
	if c == nil {
		return
	}
	if err := c.Put(ctx, key, ent); err != nil {
		w.warn.Warn("cache put", zap.String("key", key), zap.Error(err))
	}
}

// networkFirst serves documents: live network when reachable, otherwise the
// exact cached copy, otherwise the shell.
func (w *Worker) networkFirst(req *http.Request) (*http.Response, string) {
	ctx := req.Context()
	key := keyForRequest(req)
	gens := w.open(ctx)

	ent, err := w.fetch(ctx, req)
	if err == nil {
		w.put(context.WithoutCancel(ctx), gens.precache, key, ent)
		return ent.response(req, "network"), "network"
	}
	w.log.Debug("network-first fetch failed", zap.String("url", req.URL.String()), zap.Error(err))

	if cached, ok := w.match(ctx, gens, key); ok {
		return cached.response(req, "cache"), "cache"
	}
	if shell, ok := w.match(ctx, gens, keyForURL(w.cfg.ShellURL())); ok {
		return shell.response(req, "shell"), "shell"
	}
	return gatewayTimeout(req), "gateway-timeout"
}

// staleWhileRevalidate starts the network refresh before reading the cache,
// so a hit answers without waiting for it. The refresh keeps running after a
// hit and only updates the runtime generation.
func (w *Worker) staleWhileRevalidate(req *http.Request) (*http.Response, string) {
	ctx := req.Context()
	key := keyForRequest(req)
	gens := w.open(ctx)

	fresh := w.revalidate(req, gens.runtime, key)

	if cached, ok := w.lookup(ctx, gens.runtime, key); ok {
		return cached.response(req, "cache"), "cache"
	}

	select {
	case ent := <-fresh:
		if ent == nil {
			return gatewayTimeout(req), "gateway-timeout"
		}
		return ent.response(req, "network"), "network"
	case <-ctx.Done():
		return gatewayTimeout(req), "gateway-timeout"
	}
}

// revalidate fetches key once no matter how many requests ask for it
// concurrently. The channel yields nil when the network failed.
func (w *Worker) revalidate(req *http.Request, runtime Cache, key string) <-chan *CacheEntry {
	out := make(chan *CacheEntry, 1)
	bg := context.WithoutCancel(req.Context())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		v, err, _ := w.flight.Do(key, func() (any, error) {
			ent, err := w.fetch(bg, req)
			if err != nil {
				return nil, err
			}
			if ent.storable() {
				w.put(bg, runtime, key, ent)
			}
			return ent, nil
		})
		if err != nil {
			w.log.Debug("revalidate failed", zap.String("key", key), zap.Error(err))
			out <- nil
			return
		}
		ent := v.(CacheEntry)
		out <- &ent
	}()
	return out
}
