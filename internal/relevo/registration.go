package relevo

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNoWorker = errors.New("no worker to receive the message")

type RegistrationOptions struct {
	Storage CacheStorage
	// Transport reaches the network. Requests the active worker does not
	// handle are passed to it unchanged. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *zap.Logger
	Metrics   *Metrics

	stats *statsCollector
}

// Registration owns one scope: at most one installing, one waiting and one
// active worker, plus the clients (tabs) it controls. It is an
// http.RoundTripper so any client can run behind the active worker.
type Registration struct {
	deps workerDeps
	log  *zap.Logger

	updateMu sync.Mutex

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker
	retired    []*Worker
	clients    map[string]*Client
}

func NewRegistration(opts RegistrationOptions) *Registration {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registration{
		deps: workerDeps{
			storage: opts.Storage,
			net:     opts.Transport,
			log:     opts.Logger,
			metrics: opts.Metrics,
			stats:   opts.stats,
		},
		log:     opts.Logger,
		clients: map[string]*Client{},
	}
}

func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Update installs a worker for cfg unless that version is already active or
// waiting. It returns the installed worker, or nil when nothing changed.
func (r *Registration) Update(ctx context.Context, cfg *Config) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	if (r.active != nil && r.active.Version() == cfg.Version) ||
		(r.waiting != nil && r.waiting.Version() == cfg.Version) {
		r.mu.Unlock()
		return nil, nil
	}
	w := newWorker(cfg, r.deps, r)
	r.installing = w
	r.mu.Unlock()

	r.log.Info("installing worker", zap.String("version", cfg.Version), zap.String("worker", w.ID()))
	w.Dispatch(ctx, InstallEvent{})

	r.mu.Lock()
	r.installing = nil
	if w.State() != StateWaiting {
		r.mu.Unlock()
		return w, errors.Errorf("worker %s did not finish installing (state %s)", w.ID(), w.State())
	}
	prev := r.waiting
	if prev != nil {
		r.retired = append(r.retired, prev)
	}
	r.waiting = w
	noActive := r.active == nil
	clients := r.clientsLocked()
	r.mu.Unlock()

	if prev != nil {
		prev.Dispatch(ctx, ReplacedEvent{})
	}
	for _, c := range clients {
		c.workerInstalled(ctx, w)
	}
	if noActive || w.wantsSkipWaiting() {
		r.promote(ctx, w)
	}
	return w, nil
}

// promote makes w the active worker if it is still the waiting one.
func (r *Registration) promote(ctx context.Context, w *Worker) {
	r.mu.Lock()
	if r.waiting != w {
		r.mu.Unlock()
		return
	}
	old := r.active
	r.active = w
	r.waiting = nil
	if old != nil {
		r.retired = append(r.retired, old)
	}
	r.mu.Unlock()

	if old != nil {
		old.Dispatch(ctx, ReplacedEvent{})
	}
	w.Dispatch(ctx, ActivateEvent{})
	r.log.Info("worker activated", zap.String("version", w.Version()), zap.String("worker", w.ID()))
}

func (r *Registration) skipWaiting(ctx context.Context, w *Worker) {
	if w.State() != StateWaiting {
		return
	}
	r.promote(ctx, w)
}

func (r *Registration) claim(ctx context.Context, w *Worker) {
	r.mu.Lock()
	if r.active != w {
		r.mu.Unlock()
		return
	}
	clients := r.clientsLocked()
	r.mu.Unlock()

	for _, c := range clients {
		c.setController(w)
	}
}

func (r *Registration) clientsLocked() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registration) addClient(c *Client) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
	return r.active
}

func (r *Registration) removeClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c.id)
}

func (r *Registration) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientsLocked()
}

// PostMessage delivers data to the waiting worker, or to the active one when
// nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, data any) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil {
		w = r.active
	}
	r.mu.Unlock()
	if w == nil {
		return ErrNoWorker
	}
	w.Dispatch(ctx, MessageEvent{Data: data})
	return nil
}

// RoundTrip lets the active worker answer req; everything it leaves alone
// goes to the transport exactly as it came in.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := r.Active(); w != nil {
		if resp := w.Dispatch(req.Context(), FetchEvent{Request: req}); resp != nil {
			return resp, nil
		}
	}
	return r.deps.net.RoundTrip(req)
}

type WorkerInfo struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	State     string `json:"state"`
	Precached int    `json:"precached"`
}

type RegistrationInfo struct {
	Active  *WorkerInfo `json:"active,omitempty"`
	Waiting *WorkerInfo `json:"waiting,omitempty"`
	Clients int         `json:"clients"`
}

func workerInfo(w *Worker) *WorkerInfo {
	if w == nil {
		return nil
	}
	return &WorkerInfo{ID: w.ID(), Version: w.Version(), State: w.State().String(), Precached: w.Precached()}
}

func (r *Registration) Info() RegistrationInfo {
	r.mu.Lock()
	active, waiting, n := r.active, r.waiting, len(r.clients)
	r.mu.Unlock()
	return RegistrationInfo{Active: workerInfo(active), Waiting: workerInfo(waiting), Clients: n}
}

// Close waits for the background work of every worker this registration
// has run. It does not close the storage.
func (r *Registration) Close() {
	r.mu.Lock()
	workers := append([]*Worker(nil), r.retired...)
	for _, w := range []*Worker{r.installing, r.waiting, r.active} {
		if w != nil {
			workers = append(workers, w)
		}
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}
