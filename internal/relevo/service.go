package relevo

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Service fronts the application origin (relative request URIs) and
// third-party hosts (absolute request URIs, forward-proxy style) with one
// registration.
type Service struct {
	cfg atomic.Pointer[Config]
	log *zap.Logger

	storage CacheStorage
	reg     *Registration
	metrics *Metrics
	stats   *statsCollector

	// httpClient bypasses the registration; it only fetches sitemaps.
	httpClient *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	storage   CacheStorage
	transport http.RoundTripper
}

// WithStorage replaces the backend selected by storage.backend.
func WithStorage(st CacheStorage) ServiceOption {
	return func(o *serviceOptions) { o.storage = st }
}

// WithTransport sets how the service reaches the network.
func WithTransport(rt http.RoundTripper) ServiceOption {
	return func(o *serviceOptions) { o.transport = rt }
}

func NewService(cfg *Config, log *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DisableCompression = true
		o.transport = t
	}
	if o.storage == nil {
		st, err := OpenStorage(cfg, log)
		if err != nil {
			return nil, err
		}
		o.storage = st
	}

	s := &Service{
		log:        log,
		storage:    o.storage,
		metrics:    NewMetrics(),
		stats:      newStatsCollector(),
		httpClient: &http.Client{Transport: o.transport, Timeout: 30 * time.Second},
		stopCh:     make(chan struct{}),
	}
	s.cfg.Store(cfg)
	s.reg = NewRegistration(RegistrationOptions{
		Storage:   o.storage,
		Transport: o.transport,
		Logger:    log,
		Metrics:   s.metrics,
		stats:     s.stats,
	})
	return s, nil
}

func (s *Service) config() *Config { return s.cfg.Load() }

func (s *Service) Registration() *Registration { return s.reg }

func (s *Service) Storage() CacheStorage { return s.storage }

func (s *Service) Metrics() *Metrics { return s.metrics }

// Start installs and activates the configured version and starts the
// background loops.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.config()
	if _, err := s.reg.Update(ctx, cfg); err != nil {
		return errors.Wrap(err, "install worker")
	}

	if every := cfg.LogStatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	if len(cfg.Warm.URLs) > 0 || len(cfg.Warm.Sitemaps) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			go func() {
				select {
				case <-s.stopCh:
					cancel()
				case <-wctx.Done():
				}
			}()
			if _, err := s.Warm(wctx, nil); err != nil {
				s.log.Warn("warm", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Service) Close() {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.reg.Close()
		if err := s.storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	})
}

func (s *Service) Handler() http.Handler {
	cfg := s.config()
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Metrics.Path, s.metrics.Handler())
	mux.HandleFunc("GET "+cfg.Admin.Prefix+"/state", s.handleState)
	mux.HandleFunc("POST "+cfg.Admin.Prefix+"/message", s.handleMessage)
	mux.HandleFunc("POST "+cfg.Admin.Prefix+"/warm", s.handleWarm)
	mux.HandleFunc("/", s.handle)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CONNECT tunnels are not relayed.
		if r.Method == http.MethodConnect {
			w.Header().Set("Allow", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
			http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
			return
		}
		// Forward-proxy requests never hit the admin routes.
		if r.URL.IsAbs() {
			if !s.config().Forwards(r.URL) {
				s.log.Debug("forward refused", zap.String("host", r.URL.Host))
				http.Error(w, "host not allowed", http.StatusForbidden)
				return
			}
			s.handle(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	target := s.targetURL(r)
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Proxy-Connection")
	out.ContentLength = r.ContentLength

	resp, err := s.reg.RoundTrip(out)
	if err != nil {
		s.log.Debug("upstream error", zap.String("url", target), zap.Error(err))
		setRelevoHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	writeResponse(w, resp)
}

func (s *Service) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return s.config().Server.Origin + r.URL.RequestURI()
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

type GenerationInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

func (s *Service) Generations(ctx context.Context) ([]GenerationInfo, error) {
	return listGenerations(ctx, s.storage)
}

func listGenerations(ctx context.Context, st CacheStorage) ([]GenerationInfo, error) {
	names, err := st.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GenerationInfo, 0, len(names))
	for _, name := range names {
		c, err := st.Open(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", name)
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "keys of %s", name)
		}
		out = append(out, GenerationInfo{Name: name, Entries: len(keys)})
	}
	return out, nil
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gens, err := s.Generations(ctx)
	if err != nil {
		s.log.Warn("stats: list generations", zap.Error(err))
	}
	parts := make([]string, 0, len(gens))
	for _, g := range gens {
		parts = append(parts, g.Name+"="+strconv.Itoa(g.Entries))
	}
	fields := []zap.Field{
		zap.String("generations", strings.Join(parts, " ")),
		zap.Uint64("fromCache", ss.CacheResponses),
		zap.Uint64("fromNetwork", ss.NetworkResponses),
		zap.String("resp", formatBytes(ss.MinRespBytes)+"/"+formatBytes(ss.AvgRespBytes)+"/"+formatBytes(ss.MaxRespBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", formatBytes(rss)))
	}
	s.log.Info("stats", fields...)
}
