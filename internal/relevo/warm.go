package relevo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sitemapDoc also picks up image sitemap entries (<image:image><image:loc>),
// which is where photo and signature URLs are usually listed.
type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Images   []string `xml:"url>image>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type WarmResult struct {
	Requested int `json:"requested"`
	OK        int `json:"ok"`
	Failed    int `json:"failed"`
}

// Warm requests recently referenced media through the registration in
// no-cors mode so the active worker stores them for offline use. urls are
// combined with the configured list and sitemaps, de-duplicated and capped
// at warm.limit.
func (s *Service) Warm(ctx context.Context, urls []string) (WarmResult, error) {
	cfg := s.config()
	list, err := s.collectWarmURLs(ctx, cfg, urls)
	if err != nil {
		return WarmResult{}, err
	}

	var ok, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Lifecycle.PrecacheConcurrency)
	for _, u := range list {
		u := u
		g.Go(func() error {
			if err := s.warmOne(gctx, u); err != nil {
				failed.Add(1)
				s.metrics.warmResult("failed")
				s.log.Debug("warm failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			ok.Add(1)
			s.metrics.warmResult("ok")
			return nil
		})
	}
	_ = g.Wait()

	res := WarmResult{Requested: len(list), OK: int(ok.Load()), Failed: int(failed.Load())}
	s.log.Info("warm done", zap.Int("requested", res.Requested), zap.Int("ok", res.OK), zap.Int("failed", res.Failed))
	return res, nil
}

func (s *Service) warmOne(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Dest", "image")
	resp, err := s.reg.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusGatewayTimeout && resp.Header.Get("X-Relevo") == "gateway-timeout" {
		return errors.New("unreachable")
	}
	return nil
}

func (s *Service) collectWarmURLs(ctx context.Context, cfg *Config, extra []string) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, cfg.Warm.Limit)
	add := func(u string) bool {
		u = strings.TrimSpace(u)
		if u == "" {
			return true
		}
		u = normalizeMaybeRelativeURL(cfg, u)
		if _, ok := seen[u]; ok {
			return true
		}
		seen[u] = struct{}{}
		out = append(out, u)
		return len(out) < cfg.Warm.Limit
	}

	for _, list := range [][]string{extra, cfg.Warm.URLs} {
		for _, u := range list {
			if !add(u) {
				return out, nil
			}
		}
	}

	urls, err := s.discoverSitemapURLs(ctx, cfg)
	if err != nil {
		return out, err
	}
	for _, u := range urls {
		if !add(u) {
			break
		}
	}
	return out, nil
}

// discoverSitemapURLs walks warm.sitemaps breadth-first, following nested
// sitemap indexes once each.
func (s *Service) discoverSitemapURLs(ctx context.Context, cfg *Config) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(cfg.Warm.Sitemaps))
	for _, sm := range cfg.Warm.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, normalizeMaybeRelativeURL(cfg, sm))
		}
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, errors.Wrapf(err, "fetch sitemap %q", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, normalizeMaybeRelativeURL(cfg, nested))
			}
		}
		out = append(out, doc.Images...)
		for _, loc := range doc.URLs {
			if isImagePath(loc) {
				out = append(out, loc)
			}
		}
	}
	return out, nil
}

func normalizeMaybeRelativeURL(cfg *Config, u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return cfg.Server.Origin + u
}

// fetchAndParseSitemap goes straight to the network; sitemaps themselves are
// never cached.
func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// Some servers send a .gz sitemap with Content-Encoding gzip, in which
	// case the transport already decompressed it.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for _, list := range [][]string{doc.URLs, doc.Images, doc.Sitemaps} {
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
	}
	return doc, nil
}
