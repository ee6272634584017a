package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/nvc-practice/nvc-edge/internal/cache"
	"github.com/nvc-practice/nvc-edge/internal/logging"
)

const testOrigin = "https://practice.example.test"

var errNetworkDown = errors.New("network down")

// fakeNetwork 模拟页面所在源站，并统计每个路径的网络请求次数。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	failing map[string]bool
	offline bool
	calls   map[string]int
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	return &fakeNetwork{bodies: bodies, failing: map[string]bool{}, calls: map[string]int{}}
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.calls[req.URL.Path]++
	offline := n.offline || n.failing[req.URL.Path]
	body, ok := n.bodies[req.URL.Path]
	n.mu.Unlock()

	if offline {
		return nil, errNetworkDown
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	n.failing[path] = true
	n.mu.Unlock()
}

func (n *fakeNetwork) callsFor(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, count := range n.calls {
		total += count
	}
	return total
}

// hangingNetwork 在上下文取消前一直阻塞。
type hangingNetwork struct{}

func (hangingNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

// flakyStorage 可以让 Open 或 Put 失败。
type flakyStorage struct {
	cache.Storage
	mu       sync.Mutex
	failOpen bool
	failPut  bool
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	s.mu.Lock()
	failOpen, failPut := s.failOpen, s.failPut
	s.mu.Unlock()
	if failOpen {
		return nil, errors.New("storage unavailable")
	}
	store, err := s.Storage.Open(ctx, name)
	if err != nil || !failPut {
		return store, err
	}
	return failingPutStore{Store: store}, nil
}

func (s *flakyStorage) set(failOpen, failPut bool) {
	s.mu.Lock()
	s.failOpen, s.failPut = failOpen, failPut
	s.mu.Unlock()
}

type failingPutStore struct {
	cache.Store
}

func (failingPutStore) Put(context.Context, *http.Request, *http.Response) error {
	return errors.New("quota exceeded")
}

type claimRecorder struct {
	mu     sync.Mutex
	claims int
}

func (h *claimRecorder) ClaimClients(context.Context, *Worker) error {
	h.mu.Lock()
	h.claims++
	h.mu.Unlock()
	return nil
}

func (h *claimRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claims
}

func testConfig(version string, shell ...string) Config {
	origin, _ := url.Parse(testOrigin)
	return Config{
		Version:        version,
		CachePrefix:    "nvc-static-",
		ShellFiles:     shell,
		APIPrefix:      "/api/",
		Origin:         origin,
		ShellDocument:  "/index.html",
		OfflineMessage: OfflineMessageFor("zh-CN"),
	}
}

func newTestWorker(t *testing.T, cfg Config, storage cache.Storage, network http.RoundTripper, host Host) *Worker {
	t.Helper()
	w, err := New(cfg, Options{Storage: storage, Transport: network, Host: host, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

// activeWorker 完成安装与激活，返回可拦截请求的 Worker。
func activeWorker(t *testing.T, cfg Config, storage cache.Storage, network http.RoundTripper) *Worker {
	t.Helper()
	w := newTestWorker(t, cfg, storage, network, nil)
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return w
}

func pageRequest(t *testing.T, method, path, dest string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, testOrigin+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	switch dest {
	case "":
	case "document":
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		req.Header.Set("Sec-Fetch-Dest", "document")
	default:
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return data
}

func cachedURLs(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, key.URL)
	}
	return urls
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
