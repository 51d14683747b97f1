package relevo

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type CacheEntry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte

	// Opaque marks a cross-origin response fetched in no-cors mode. Opaque
	// responses are stored regardless of status, like a browser cache would.
	Opaque bool

	StoredAt int64 // unix seconds
	Hash32   uint32
}

// requestKey identifies a cached request: method plus the absolute URL with
// its query string kept verbatim. Fragments never reach the network, so they
// are dropped.
func requestKey(method string, u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return method + " " + cp.String()
}

func keyForRequest(r *http.Request) string {
	return requestKey(r.Method, r.URL)
}

func keyForURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return http.MethodGet + " " + raw
	}
	return requestKey(http.MethodGet, u)
}

// entryFromResponse drains and closes resp.Body.
func entryFromResponse(req *http.Request, resp *http.Response, opaque bool) (CacheEntry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	ent := CacheEntry{
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		Opaque:   opaque,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// storable reports whether a stale-while-revalidate refresh may overwrite the
// runtime entry with this response.
func (e CacheEntry) storable() bool {
	return e.Status == http.StatusOK || e.Opaque
}

func (e CacheEntry) ok() bool {
	return e.Status >= 200 && e.Status < 300
}

// response builds a fresh *http.Response; every call gets its own body reader.
func (e CacheEntry) response(req *http.Request, source string) *http.Response {
	h := cloneHeader(e.Header)
	setRelevoHeaders(h, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func gatewayTimeout(req *http.Request) *http.Response {
	return CacheEntry{Status: http.StatusGatewayTimeout, Header: http.Header{}}.response(req, "gateway-timeout")
}

func setRelevoHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-Relevo", source)
	}
	// If this is read from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Relevo")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
