package relevo

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// precache stores every manifest asset it can reach. One asset failing does
// not fail the install: a partial precache is better than no worker.
func (w *Worker) precache(ctx context.Context) {
	name := w.cfg.PrecacheName()
	cache, err := w.storage.Open(ctx, name)
	if err != nil {
		w.log.Error("open precache", zap.String("cache", name), zap.Error(err))
		return
	}
	// The runtime generation exists from install on, so activation of a later
	// version sees both names.
	if _, err := w.storage.Open(ctx, w.cfg.RuntimeName()); err != nil {
		w.log.Warn("open runtime cache", zap.Error(err))
	}

	manifest := w.cfg.Manifest()
	var stored atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Lifecycle.PrecacheConcurrency)
	for _, u := range manifest {
		u := u
		g.Go(func() error {
			if err := w.precacheOne(gctx, cache, u); err != nil {
				w.metrics.precacheResult(false)
				w.log.Warn("precache failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			w.metrics.precacheResult(true)
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.precached.Store(stored.Load())
	w.log.Info("precache done",
		zap.String("cache", name),
		zap.Int64("stored", stored.Load()),
		zap.Int("manifest", len(manifest)),
	)
}

func (w *Worker) precacheOne(ctx context.Context, cache Cache, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	ent, err := w.fetch(ctx, req)
	if err != nil {
		return err
	}
	if !ent.ok() {
		return errors.Errorf("unexpected status %d", ent.Status)
	}
	return cache.Put(ctx, keyForRequest(req), ent)
}
