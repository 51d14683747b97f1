package relevo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example"

var errOffline = errors.New("network unreachable")

// testYAML builds a minimal config on testOrigin with an in-memory backend.
func testYAML(version string, precache []string, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "version: %s\n", version)
	fmt.Fprintf(&b, "server:\n  origin: %s\n", testOrigin)
	b.WriteString("storage:\n  backend: memory\n")
	if len(precache) > 0 {
		b.WriteString("precache:\n")
		for _, p := range precache {
			fmt.Fprintf(&b, "  - %q\n", p)
		}
	}
	b.WriteString(extra)
	return b.String()
}

func testConfig(t *testing.T, version string, extra string) *Config {
	t.Helper()
	return testConfigWith(t, version, []string{"./", "./index.html", "./style.css", "./menu.js"}, extra)
}

func testConfigWith(t *testing.T, version string, precache []string, extra string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(testYAML(version, precache, extra)))
	require.NoError(t, err)
	return cfg
}

const holdWaiting = "lifecycle:\n  skipWaitingOnInstall: false\n"

// fakeNet answers every request with "<tag> <url>" unless told otherwise.
type fakeNet struct {
	mu      sync.Mutex
	tag     string
	offline bool
	fail    map[string]bool
	status  map[string]int
	calls   map[string]int
	block   chan struct{}
	respond func(*http.Request) (*http.Response, error)
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		tag:    "live",
		fail:   map[string]bool{},
		status: map[string]int{},
		calls:  map[string]int{},
	}
}

func (n *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	u := req.URL.String()
	n.mu.Lock()
	n.calls[u]++
	block := n.block
	offline := n.offline || n.fail[u]
	status := n.status[u]
	tag := n.tag
	respond := n.respond
	n.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if respond != nil {
		if resp, err := respond(req); resp != nil || err != nil {
			return resp, err
		}
	}
	if offline {
		return nil, errOffline
	}
	if status == 0 {
		status = http.StatusOK
	}
	return textResponse(req, status, tag+" "+u), nil
}

func (n *fakeNet) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNet) setTag(tag string) {
	n.mu.Lock()
	n.tag = tag
	n.mu.Unlock()
}

func (n *fakeNet) setStatus(u string, status int) {
	n.mu.Lock()
	n.status[u] = status
	n.mu.Unlock()
}

func (n *fakeNet) setFail(u string) {
	n.mu.Lock()
	n.fail[u] = true
	n.mu.Unlock()
}

func (n *fakeNet) setBlock(ch chan struct{}) {
	n.mu.Lock()
	n.block = ch
	n.mu.Unlock()
}

func (n *fakeNet) setRespond(fn func(*http.Request) (*http.Response, error)) {
	n.mu.Lock()
	n.respond = fn
	n.mu.Unlock()
}

func (n *fakeNet) callCount(u string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[u]
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func newTestRegistration(t *testing.T, net http.RoundTripper) (*Registration, CacheStorage) {
	t.Helper()
	st := newMemoryStorage(nil, nil)
	reg := NewRegistration(RegistrationOptions{Storage: st, Transport: net})
	t.Cleanup(reg.Close)
	return reg, st
}

func getRequest(t *testing.T, u string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, u, nil)
	require.NoError(t, err)
	return req
}

func navRequest(t *testing.T, u string) *http.Request {
	req := getRequest(t, u)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

type result struct {
	status int
	source string
	body   string
}

func do(t *testing.T, rt http.RoundTripper, req *http.Request) result {
	t.Helper()
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return result{status: resp.StatusCode, source: resp.Header.Get("X-Relevo"), body: string(b)}
}

func cacheKeys(t *testing.T, st CacheStorage, name string) []string {
	t.Helper()
	c, err := st.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
