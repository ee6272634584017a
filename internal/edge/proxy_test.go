package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel"

	"github.com/nvc-practice/nvc-edge/internal/apierror"
	"github.com/nvc-practice/nvc-edge/internal/logging"
	"github.com/nvc-practice/nvc-edge/internal/server"
	"github.com/nvc-practice/nvc-edge/internal/telemetry"
)

func TestForwardPreservesRequestAndRewritesHeaders(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s1"}`))
	})
	app := newEdgeApp(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "http://edge.local/api/v1/sessions?mode=guided&x=1", strings.NewReader(`{"topic":"t"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Cf-Connecting-Ip", "203.0.113.9")
	req.Header.Set("X-Forwarded-Host", "spoofed.example")
	req.Header.Set("X-Forwarded-Proto", "gopher")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":"s1"}` {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(ProxyMarkerHeader); got != ProxyMarkerValue {
		t.Fatalf("missing proxy marker, got %q", got)
	}
	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) != 2 {
		t.Fatalf("expected both cookies relayed, got %v", cookies)
	}

	seen := upstream.last(t)
	if seen.Method != http.MethodPost || seen.Path != "/api/v1/sessions" || seen.RawQuery != "mode=guided&x=1" {
		t.Fatalf("unexpected upstream request %+v", seen)
	}
	if seen.Body != `{"topic":"t"}` {
		t.Fatalf("body not forwarded: %q", seen.Body)
	}
	if seen.Header.Get("Authorization") != "Bearer token" {
		t.Fatalf("authorization header should pass through")
	}
	if seen.Header.Get("Cf-Connecting-Ip") != "" {
		t.Fatalf("cf-connecting-ip should be removed")
	}
	if seen.Header.Get("X-Forwarded-Host") != "edge.local" {
		t.Fatalf("expected x-forwarded-host edge.local, got %q", seen.Header.Get("X-Forwarded-Host"))
	}
	if seen.Header.Get("X-Forwarded-Proto") != "http" {
		t.Fatalf("expected x-forwarded-proto http, got %q", seen.Header.Get("X-Forwarded-Proto"))
	}
	if seen.Host == "edge.local" {
		t.Fatalf("inbound host must not reach upstream")
	}
}

func TestForwardDropsBodyForGet(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	app := newEdgeApp(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "http://edge.local/api/v1/items", strings.NewReader("ignored"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if seen := upstream.last(t); seen.Body != "" {
		t.Fatalf("GET must be forwarded without body, got %q", seen.Body)
	}
}

func TestForwardDropsBodyForHead(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("head payload"))
	})
	app := newEdgeApp(t, upstream.URL)

	req := httptest.NewRequest(http.MethodHead, "http://edge.local/api/v1/items", strings.NewReader("ignored"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("HEAD response must not carry a body, got %q", body)
	}
	seen := upstream.last(t)
	if seen.Method != http.MethodHead || seen.Body != "" {
		t.Fatalf("HEAD must be forwarded without body, got %s %q", seen.Method, seen.Body)
	}
}

func TestForwardIgnoresClientForwardedHeaders(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	app := newEdgeApp(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "http://edge.local/api/v1/scenes", nil)
	req.Header.Set("X-Forwarded-Host", "spoofed.example")
	req.Header.Set("X-Forwarded-Proto", "https")
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	seen := upstream.last(t)
	if got := seen.Header.Values("X-Forwarded-Host"); len(got) != 1 || got[0] != "edge.local" {
		t.Fatalf("expected x-forwarded-host edge.local, got %v", got)
	}
	if got := seen.Header.Values("X-Forwarded-Proto"); len(got) != 1 || got[0] != "http" {
		t.Fatalf("expected x-forwarded-proto http, got %v", got)
	}
}

func TestForwardContinuesInboundTrace(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	shutdown, err := telemetry.Setup("none", io.Discard)
	if err != nil {
		t.Fatalf("telemetry setup: %v", err)
	}
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	app := newEdgeApp(t, upstream.URL)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "http://edge.local/api/v1/scenes", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	req.Header.Set("Tracestate", "vendor=abc")
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	seen := upstream.last(t)
	parts := strings.Split(seen.Header.Get("Traceparent"), "-")
	if len(parts) != 4 || parts[1] != traceID {
		t.Fatalf("upstream traceparent left the inbound trace: %q", seen.Header.Get("Traceparent"))
	}
	if parts[3] != "01" {
		t.Fatalf("sampled flag must be kept, got %q", parts[3])
	}
	if got := seen.Header.Get("Tracestate"); got != "vendor=abc" {
		t.Fatalf("tracestate must be kept, got %q", got)
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/elsewhere", http.StatusFound)
	})
	app := newEdgeApp(t, upstream.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.local/api/old", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 relayed, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/elsewhere" {
		t.Fatalf("expected location relayed, got %q", loc)
	}
	if upstream.hits() != 1 {
		t.Fatalf("redirect should not be followed, hits=%d", upstream.hits())
	}
}

func TestForwardStripsContentEncoding(t *testing.T) {
	payload := strings.Repeat("practice ", 64)
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = w.Write([]byte(payload))
			return
		}
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(payload))
		_ = zw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	app := newEdgeApp(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "http://edge.local/api/text", nil)
	req.Header.Set("Accept-Encoding", "br")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != payload {
		t.Fatalf("expected decoded payload, got %d bytes", len(body))
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		t.Fatalf("content-encoding should be stripped, got %q", enc)
	}
	if seen := upstream.last(t); strings.Contains(seen.Header.Get("Accept-Encoding"), "br") {
		t.Fatalf("inbound accept-encoding should not reach upstream")
	}
}

func TestForwardRelaysUpstreamErrorsVerbatim(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":"CONFLICT","message":"session closed"}`))
	})
	app := newEdgeApp(t, upstream.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodPut, "http://edge.local/api/v1/sessions/1", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	decoded, err := apierror.Decode(body)
	if err != nil || decoded.ErrorCode != apierror.CodeConflict {
		t.Fatalf("expected upstream error body relayed, got %s (%v)", body, err)
	}
}

func TestForwardTransportFailureReturns502(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	origin := dead.URL
	dead.Close()
	app := newEdgeApp(t, origin)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "http://edge.local/api/v1/sessions", strings.NewReader("{}")))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	assertUpstreamUnavailable(t, resp)
	if resp.Header.Get(UpstreamURLHeader) != "" {
		t.Fatalf("forward failures should not expose x-upstream-url")
	}
}

func TestHealthProbesUpstreamAndFollowsRedirects(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
		case "/healthz":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	})
	app := newEdgeApp(t, upstream.URL+"/")

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.local/health-backend", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("unexpected health response %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(UpstreamURLHeader); got != upstream.URL+"/health" {
		t.Fatalf("expected x-upstream-url %s, got %q", upstream.URL+"/health", got)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("health must not be cached")
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content-type should be echoed, got %q", resp.Header.Get("Content-Type"))
	}
	first := upstream.all()[0]
	if first.Path != "/health" || first.Header.Get("Accept") != "application/json" {
		t.Fatalf("unexpected health probe %+v", first)
	}
}

func TestHealthDefaultsContentType(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	app := newEdgeApp(t, upstream.URL)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.local/health-backend", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected upstream status relayed, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != apierror.JSONContentType {
		t.Fatalf("expected default json content-type, got %q", got)
	}
}

func TestHealthFailureCarriesUpstreamURL(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	origin := dead.URL
	dead.Close()
	app := newEdgeApp(t, origin)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.local/health-backend", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	assertUpstreamUnavailable(t, resp)
	if got := resp.Header.Get(UpstreamURLHeader); got != origin+"/health" {
		t.Fatalf("expected x-upstream-url on failure, got %q", got)
	}
}

func TestForwardRecoversPanics(t *testing.T) {
	client := &http.Client{Transport: panicTransport{}}
	proxy := NewProxy(client, client, "https://api.example.test", logging.Discard())
	app := fiber.New()
	app.All("/api/*", proxy.Forward)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.local/api/x", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	assertUpstreamUnavailable(t, resp)
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("boom")
}

func assertUpstreamUnavailable(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != apierror.JSONContentType {
		t.Fatalf("unexpected content-type %q", got)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("expected cache-control no-store")
	}
	if resp.Header.Get(ProxyMarkerHeader) != ProxyMarkerValue {
		t.Fatalf("expected proxy marker on failure")
	}
	body, _ := io.ReadAll(resp.Body)
	decoded, err := apierror.Decode(body)
	if err != nil {
		t.Fatalf("decode error body: %v (%s)", err, body)
	}
	if decoded.ErrorCode != apierror.CodeUpstreamUnavailable || decoded.Message == "" {
		t.Fatalf("unexpected error body %+v", decoded)
	}
}

func newEdgeApp(t *testing.T, origin string) *fiber.App {
	t.Helper()
	proxy := NewProxy(
		server.NewUpstreamClient(nil, server.RedirectManual),
		server.NewUpstreamClient(nil, server.RedirectFollow),
		origin,
		logging.Discard(),
	)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Edge:       proxy,
		APIMount:   "/api",
		HealthPath: "/health-backend",
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return app
}

type recordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Host     string
	Header   http.Header
	Body     string
}

type upstreamStub struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.requests = append(stub.requests, recordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Host:     r.Host,
			Header:   r.Header.Clone(),
			Body:     string(body),
		})
		stub.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) hits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *upstreamStub) all() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *upstreamStub) last(t *testing.T) recordedRequest {
	t.Helper()
	all := s.all()
	if len(all) == 0 {
		t.Fatalf("upstream received no requests")
	}
	return all[len(all)-1]
}
