package relevo

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// host is the registration a worker belongs to. It decides promotion and
// owns the clients.
type host interface {
	skipWaiting(ctx context.Context, w *Worker)
	claim(ctx context.Context, w *Worker)
}

// Worker is one deployed version of the cache controller. Its behavior comes
// from Step; Worker only carries out the actions.
type Worker struct {
	id      string
	cfg     *Config
	storage CacheStorage
	net     http.RoundTripper
	log     *zap.Logger
	warn    *rateLimitedLogger
	metrics *Metrics
	stats   *statsCollector
	host    host

	mu          sync.Mutex
	state       State
	skipWaiting bool

	precached atomic.Int64

	flight singleflight.Group
	wg     sync.WaitGroup
}

type workerDeps struct {
	storage CacheStorage
	net     http.RoundTripper
	log     *zap.Logger
	metrics *Metrics
	stats   *statsCollector
}

func newWorker(cfg *Config, d workerDeps, h host) *Worker {
	id := uuid.NewString()
	log := d.log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("version", cfg.Version), zap.String("worker", id[:8]))
	return &Worker{
		id:      id,
		cfg:     cfg,
		storage: d.storage,
		net:     d.net,
		log:     log,
		warn:    newRateLimitedLogger(log, 30*time.Second),
		metrics: d.metrics,
		stats:   d.stats,
		host:    h,
		state:   StateInstalling,
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Version() string { return w.cfg.Version }

func (w *Worker) Config() *Config { return w.cfg }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Precached is the number of manifest assets stored at install.
func (w *Worker) Precached() int { return int(w.precached.Load()) }

func (w *Worker) wantsSkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// Dispatch runs one event to completion. For a FetchEvent the returned
// response is non-nil when the worker answered the request; nil means the
// request must go to the network untouched.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *http.Response {
	w.mu.Lock()
	from := w.state
	d := Step(w.cfg, from, ev)
	w.mu.Unlock()

	var resp *http.Response
	for _, a := range d.Actions {
		switch a {
		case ActionPrecache:
			w.precache(ctx)
		case ActionSkipWaiting:
			w.requestSkipWaiting(ctx)
		case ActionPurgeStale:
			w.purgeStale(ctx)
		case ActionClaimClients:
			if w.host != nil {
				w.host.claim(ctx, w)
			}
		case ActionRespond:
			fe := ev.(FetchEvent)
			resp = w.respond(fe.Request, d.Route)
		}
	}

	if d.Next != from {
		w.commit(from, d.Next)
	}
	return resp
}

// commit moves from -> next unless another event changed the state while
// the actions ran.
func (w *Worker) commit(from, next State) {
	w.mu.Lock()
	if w.state != from {
		w.mu.Unlock()
		return
	}
	w.state = next
	w.mu.Unlock()
	w.metrics.transition(next)
	w.log.Info("worker state", zap.Stringer("from", from), zap.Stringer("to", next))
}

func (w *Worker) requestSkipWaiting(ctx context.Context) {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
	if w.host != nil {
		w.host.skipWaiting(ctx, w)
	}
}

// purgeStale deletes every generation that does not belong to this version.
func (w *Worker) purgeStale(ctx context.Context) {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		w.log.Warn("list cache generations", zap.Error(err))
		return
	}
	keep := map[string]struct{}{w.cfg.PrecacheName(): {}, w.cfg.RuntimeName(): {}}
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			w.log.Warn("delete cache generation", zap.String("cache", name), zap.Error(err))
			continue
		}
		w.metrics.generationDeleted()
		w.log.Info("deleted cache generation", zap.String("cache", name))
	}
}

func (w *Worker) respond(req *http.Request, route Route) *http.Response {
	start := time.Now()
	var (
		resp    *http.Response
		outcome string
	)
	switch route {
	case RouteNetworkFirst:
		resp, outcome = w.networkFirst(req)
	default:
		resp, outcome = w.staleWhileRevalidate(req)
	}
	w.metrics.observeFetch(route, outcome, start)
	w.stats.Observe(int(resp.ContentLength), outcome == "cache" || outcome == "shell")
	w.log.Debug("fetch",
		zap.Stringer("route", route),
		zap.String("outcome", outcome),
		zap.String("url", req.URL.String()),
	)
	return resp
}

// Close waits for background refreshes started by this worker.
func (w *Worker) Close() {
	w.wg.Wait()
}
